package channels

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

// SMSChannel sends texts through the gateway. It serves timeline actions and
// the follow-up ladder.
type SMSChannel struct {
	Gateway *GatewayClient
	From    string
	Logger  *logrus.Logger
}

func NewSMSChannel(gateway *GatewayClient, from string, logger *logrus.Logger) *SMSChannel {
	return &SMSChannel{Gateway: gateway, From: from, Logger: logger}
}

func (s *SMSChannel) SendSMS(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", fmt.Errorf("no phone number")
	}
	resp, err := s.Gateway.post(ctx, "/messages", map[string]string{
		"to":   to,
		"from": s.From,
		"body": body,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *SMSChannel) Deliver(ctx context.Context, customer *models.Customer, action *models.TimelineAction, content *models.MessageTemplate, _ uint) (services.ActionOutcome, error) {
	body, err := renderText("sms", content.TextContent, newRenderData(customer))
	if err != nil {
		return services.ActionOutcome{}, fmt.Errorf("error rendering sms: %w", err)
	}

	id, err := s.SendSMS(ctx, customer.Phone, body)
	if err != nil {
		return services.ActionOutcome{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"action_id":   action.ID,
		"external_id": id,
	}).Info("SMS sent")
	return services.ActionOutcome{Status: services.OutcomeSent, ExternalID: id}, nil
}
