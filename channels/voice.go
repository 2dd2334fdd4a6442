package channels

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

// VoiceChannel places scripted calls through the gateway
type VoiceChannel struct {
	Gateway *GatewayClient
	From    string
	Logger  *logrus.Logger
}

func NewVoiceChannel(gateway *GatewayClient, from string, logger *logrus.Logger) *VoiceChannel {
	return &VoiceChannel{Gateway: gateway, From: from, Logger: logger}
}

func (v *VoiceChannel) Deliver(ctx context.Context, customer *models.Customer, action *models.TimelineAction, content *models.MessageTemplate, _ uint) (services.ActionOutcome, error) {
	script, err := renderText("script", content.TextContent, newRenderData(customer))
	if err != nil {
		return services.ActionOutcome{}, fmt.Errorf("error rendering call script: %w", err)
	}

	resp, err := v.Gateway.post(ctx, "/calls", map[string]string{
		"to":     customer.Phone,
		"from":   v.From,
		"script": script,
		"kind":   action.ActionType,
	})
	if err != nil {
		return services.ActionOutcome{}, err
	}

	v.Logger.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"action_id":   action.ID,
		"external_id": resp.ID,
	}).Info("Call placed")
	return services.ActionOutcome{Status: services.OutcomeSent, ExternalID: resp.ID}, nil
}
