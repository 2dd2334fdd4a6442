package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

const (
	DefaultMaxSMSFollowups        = 2
	DefaultFollowupThresholdHours = 48
	DefaultFollowupBatchSize      = 500
)

type FollowupConfig struct {
	// SMS follow-ups sent before a human takes over
	MaxSMSFollowups int
	// When > 0, a customer scoring below it is escalated after the first SMS
	FastEscalationScore int
	EscalationAssignee  string
	SMSBody             string
	BatchSize           int
}

func DefaultFollowupConfig() FollowupConfig {
	return FollowupConfig{
		MaxSMSFollowups:    DefaultMaxSMSFollowups,
		EscalationAssignee: "sales-team",
		SMSBody:            "Hi {name}, we sent you an email a little while ago. Reply here if text works better for you.",
		BatchSize:          DefaultFollowupBatchSize,
	}
}

// SMSSender delivers a follow-up text. The SMS channel implements it.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

type FollowupResult struct {
	SendID        uint   `json:"send_id"`
	Strategy      string `json:"strategy"`
	Applied       bool   `json:"applied"`
	FollowupCount int    `json:"followup_count"`
	InteractionID uint   `json:"interaction_id,omitempty"`
}

type FollowupReport struct {
	Scanned   int `json:"scanned"`
	SMS       int `json:"sms"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// FollowupService runs the escalation ladder for emails nobody opened
type FollowupService struct {
	DB     *gorm.DB
	Clock  utils.Clock
	Logger *logrus.Logger
	SMS    SMSSender
	Config FollowupConfig
}

func NewFollowupService(db *gorm.DB, clock utils.Clock, sms SMSSender, logger *logrus.Logger, cfg FollowupConfig) *FollowupService {
	if cfg.MaxSMSFollowups <= 0 {
		cfg.MaxSMSFollowups = DefaultMaxSMSFollowups
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultFollowupBatchSize
	}
	return &FollowupService{
		DB:     db,
		Clock:  clock,
		Logger: logger,
		SMS:    sms,
		Config: cfg,
	}
}

// ChooseStrategy maps the ladder position to the next step. Once the count
// reaches MaxSMSFollowups the answer is always escalated.
func (s *FollowupService) ChooseStrategy(followupCount, engagementScore int) string {
	if followupCount >= s.Config.MaxSMSFollowups {
		return models.StrategyEscalated
	}
	if s.Config.FastEscalationScore > 0 && followupCount >= 1 && engagementScore < s.Config.FastEscalationScore {
		return models.StrategyEscalated
	}
	return models.StrategySendSMS
}

// RecordEmailSend stores an outbound email. A send that continues an
// unanswered chain inherits the previous send's follow-up count.
func (s *FollowupService) RecordEmailSend(ctx context.Context, customerID uint, progressID, actionID *uint, messageID, subject string) (*models.EmailSend, error) {
	db := s.DB.WithContext(ctx)

	count := 0
	var previous models.EmailSend
	err := db.Where("customer_id = ?", customerID).Order("sent_at DESC, id DESC").First(&previous).Error
	switch {
	case err == nil:
		if previous.FollowupTriggeredAt != nil && previous.OpenedAt == nil {
			count = previous.FollowupCount
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to load previous send: %w", err)
	}

	send := &models.EmailSend{
		CustomerID:    customerID,
		ProgressID:    progressID,
		ActionID:      actionID,
		MessageID:     messageID,
		Subject:       subject,
		Status:        models.SendStatusSent,
		SentAt:        s.Clock.Now(),
		FollowupCount: count,
	}
	if err := db.Create(send).Error; err != nil {
		return nil, fmt.Errorf("failed to record email send: %w", err)
	}
	return send, nil
}

// CheckUnopenedEmails finds sends past the threshold that were never opened
// nor followed up, and runs the ladder on each. One bad record does not stop
// the scan.
func (s *FollowupService) CheckUnopenedEmails(ctx context.Context, thresholdHours int) (FollowupReport, error) {
	var report FollowupReport
	if thresholdHours <= 0 {
		thresholdHours = DefaultFollowupThresholdHours
	}

	now := s.Clock.Now()
	cutoff := now.Add(-time.Duration(thresholdHours) * time.Hour)

	var sends []models.EmailSend
	if err := s.DB.WithContext(ctx).
		Where("sent_at <= ? AND opened_at IS NULL AND followup_triggered_at IS NULL", cutoff).
		Where("status NOT IN ?", []string{models.SendStatusBounced, models.SendStatusFailed}).
		Order("sent_at ASC, id ASC").
		Limit(s.Config.BatchSize).
		Find(&sends).Error; err != nil {
		return report, fmt.Errorf("failed to scan unopened emails: %w", err)
	}

	for i := range sends {
		send := &sends[i]
		report.Scanned++

		var customer models.Customer
		if err := s.DB.WithContext(ctx).First(&customer, send.CustomerID).Error; err != nil {
			report.Failed++
			utils.LogError("followup_customer_lookup", err, map[string]interface{}{
				"send_id":     send.ID,
				"customer_id": send.CustomerID,
			})
			continue
		}

		result, err := s.HandleUnopenedEmail(ctx, &customer, send, now.Sub(send.SentAt).Hours())
		if err != nil {
			report.Failed++
			utils.LogError("followup_failed", err, map[string]interface{}{"send_id": send.ID})
			continue
		}
		if !result.Applied {
			report.Skipped++
			continue
		}
		if result.Strategy == models.StrategyEscalated {
			report.Escalated++
		} else {
			report.SMS++
		}
	}

	if report.Scanned > 0 {
		s.Logger.WithFields(logrus.Fields{
			"scanned":   report.Scanned,
			"sms":       report.SMS,
			"escalated": report.Escalated,
			"skipped":   report.Skipped,
			"failed":    report.Failed,
		}).Info("Unopened email scan finished")
	}
	return report, nil
}

// HandleUnopenedEmail applies one ladder step to the send. The send is
// claimed with a compare-and-swap; losing the race (already followed up or
// opened meanwhile) returns the stored record with Applied=false.
func (s *FollowupService) HandleUnopenedEmail(ctx context.Context, customer *models.Customer, send *models.EmailSend, hoursElapsed float64) (*FollowupResult, error) {
	strategy := s.ChooseStrategy(send.FollowupCount, customer.EngagementScore)
	if strategy == models.StrategySendSMS && !customer.CanReceive(models.ChannelSMS) {
		strategy = models.StrategyEscalated
	}

	now := s.Clock.Now()
	applied := false
	var interaction models.Interaction

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"followup_triggered_at": now,
			"followup_strategy":     strategy,
		}
		if strategy == models.StrategySendSMS {
			updates["followup_count"] = gorm.Expr("followup_count + 1")
		}

		res := tx.Model(&models.EmailSend{}).
			Where("id = ? AND followup_triggered_at IS NULL AND opened_at IS NULL", send.ID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		interaction = s.buildInteraction(customer, send, strategy, hoursElapsed)
		return tx.Create(&interaction).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply follow-up to send %d: %w", send.ID, err)
	}

	if err := s.DB.WithContext(ctx).First(send, send.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSendNotFound
		}
		return nil, err
	}

	result := &FollowupResult{
		SendID:        send.ID,
		Strategy:      send.FollowupStrategy,
		Applied:       applied,
		FollowupCount: send.FollowupCount,
	}
	if !applied {
		return result, nil
	}
	result.InteractionID = interaction.ID

	fields := logrus.Fields{
		"customer_id":    customer.ID,
		"send_id":        send.ID,
		"strategy":       strategy,
		"followup_count": send.FollowupCount,
		"hours_elapsed":  int(hoursElapsed),
	}

	if strategy == models.StrategySendSMS && s.SMS != nil {
		s.deliverSMS(ctx, customer, &interaction)
		fields["interaction_status"] = interaction.Status
	}

	if strategy == models.StrategyEscalated {
		utils.LogEvent("followup_escalated", fields)
	}
	s.Logger.WithFields(fields).Info("Follow-up triggered for unopened email")

	return result, nil
}

func (s *FollowupService) buildInteraction(customer *models.Customer, send *models.EmailSend, strategy string, hoursElapsed float64) models.Interaction {
	sendID := send.ID
	if strategy == models.StrategyEscalated {
		return models.Interaction{
			CustomerID: customer.ID,
			SendID:     &sendID,
			Channel:    models.ChannelPhone,
			Type:       models.InteractionHumanEscalation,
			Priority:   models.PriorityHigh,
			Status:     models.InteractionPending,
			AssignedTo: s.Config.EscalationAssignee,
			Body: fmt.Sprintf("Email %q unopened after %s and %d SMS follow-ups. Reach out manually.",
				send.Subject, utils.FormatDuration(time.Duration(hoursElapsed*float64(time.Hour))), send.FollowupCount),
		}
	}

	body := s.Config.SMSBody
	if body == "" {
		body = DefaultFollowupConfig().SMSBody
	}
	return models.Interaction{
		CustomerID: customer.ID,
		SendID:     &sendID,
		Channel:    models.ChannelSMS,
		Type:       models.InteractionSMSFollowup,
		Priority:   models.PriorityNormal,
		Status:     models.InteractionPending,
		Body:       strings.ReplaceAll(body, "{name}", customer.Name),
	}
}

func (s *FollowupService) deliverSMS(ctx context.Context, customer *models.Customer, interaction *models.Interaction) {
	externalID, err := s.SMS.SendSMS(ctx, customer.Phone, interaction.Body)

	updates := map[string]interface{}{"status": models.InteractionSent, "external_id": externalID}
	interaction.Status = models.InteractionSent
	interaction.ExternalID = externalID
	if err != nil {
		updates["status"] = models.InteractionFailed
		updates["error"] = err.Error()
		interaction.Status = models.InteractionFailed
		interaction.Error = err.Error()
		utils.LogError("followup_sms_delivery", err, map[string]interface{}{
			"customer_id":    customer.ID,
			"interaction_id": interaction.ID,
		})
	}

	if err := s.DB.WithContext(ctx).Model(&models.Interaction{}).
		Where("id = ?", interaction.ID).
		Updates(updates).Error; err != nil {
		s.Logger.WithError(err).WithField("interaction_id", interaction.ID).Warn("Failed to store SMS delivery status")
	}
}
