package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// Delivery feedback event types accepted from the email provider
const (
	DeliveryDelivered = "delivered"
	DeliveryOpened    = "opened"
	DeliveryClicked   = "clicked"
	DeliveryReplied   = "replied"
	DeliveryBounced   = "bounced"
	DeliveryFailed    = "failed"
)

// EngagementPoints are added to the customer's engagement score per signal
type EngagementPoints struct {
	Open  int
	Click int
	Reply int
}

func DefaultEngagementPoints() EngagementPoints {
	return EngagementPoints{Open: 5, Click: 10, Reply: 20}
}

// SignalService applies inbound channel feedback to send records and to the
// customer signals that timeline conditions read
type SignalService struct {
	DB     *gorm.DB
	Clock  utils.Clock
	Logger *logrus.Logger
	Points EngagementPoints
}

func NewSignalService(db *gorm.DB, clock utils.Clock, logger *logrus.Logger, points EngagementPoints) *SignalService {
	return &SignalService{DB: db, Clock: clock, Logger: logger, Points: points}
}

// RecordEmailEvent advances the send state machine for messageID and
// returns the affected customer. A zero at means now.
func (s *SignalService) RecordEmailEvent(ctx context.Context, messageID, eventType string, at time.Time) (*models.Customer, error) {
	if at.IsZero() {
		at = s.Clock.Now()
	}

	var customer models.Customer
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var send models.EmailSend
		if err := tx.Where("message_id = ?", messageID).First(&send).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSendNotFound
			}
			return err
		}

		updates, signal, points, err := sendTransition(&send, eventType, at, s.Points)
		if err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.EmailSend{}).Where("id = ?", send.ID).Updates(updates).Error; err != nil {
				return err
			}
		}

		if err := tx.First(&customer, send.CustomerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCustomerNotFound
			}
			return err
		}
		if signal == "" {
			return nil
		}
		return applySignal(tx, &customer, signal, at, points)
	})
	if err != nil {
		if errors.Is(err, ErrSendNotFound) || errors.Is(err, ErrCustomerNotFound) || errors.Is(err, ErrUnknownDeliveryEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record %s event for %s: %w", eventType, messageID, err)
	}

	s.Logger.WithFields(logrus.Fields{
		"message_id":  messageID,
		"event":       eventType,
		"customer_id": customer.ID,
	}).Debug("Email delivery event recorded")

	return &customer, nil
}

// RecordSMSReply stamps last_sms_reply on the customer
func (s *SignalService) RecordSMSReply(ctx context.Context, customerID uint, at time.Time) (*models.Customer, error) {
	return s.recordCustomerSignal(ctx, customerID, models.SignalSMSReplied, at, s.Points.Reply)
}

// RecordCallAnswered stamps last_call_answered on the customer
func (s *SignalService) RecordCallAnswered(ctx context.Context, customerID uint, at time.Time) (*models.Customer, error) {
	return s.recordCustomerSignal(ctx, customerID, models.SignalCallAnswered, at, s.Points.Reply)
}

// FindCustomerByPhone resolves an inbound SMS sender
func (s *SignalService) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	var customer models.Customer
	if err := s.DB.WithContext(ctx).Where("phone = ?", phone).Order("id ASC").First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func (s *SignalService) recordCustomerSignal(ctx context.Context, customerID uint, signal string, at time.Time, points int) (*models.Customer, error) {
	if at.IsZero() {
		at = s.Clock.Now()
	}

	var customer models.Customer
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&customer, customerID).Error; err != nil {
			return err
		}
		return applySignal(tx, &customer, signal, at, points)
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record %s for customer %d: %w", signal, customerID, err)
	}
	return &customer, nil
}

// sendTransition computes the column updates for one delivery event:
// sent -> delivered -> opened -> clicked, or sent/delivered -> bounced/failed.
// Events arriving out of order never move the status backwards.
func sendTransition(send *models.EmailSend, eventType string, at time.Time, points EngagementPoints) (map[string]interface{}, string, int, error) {
	updates := map[string]interface{}{}
	undeliverable := send.Status == models.SendStatusBounced || send.Status == models.SendStatusFailed

	switch eventType {
	case DeliveryDelivered:
		if send.Status == models.SendStatusSent {
			updates["status"] = models.SendStatusDelivered
		}
		if send.DeliveredAt == nil {
			updates["delivered_at"] = at
		}
		return updates, "", 0, nil

	case DeliveryOpened:
		if undeliverable {
			return updates, "", 0, nil
		}
		updates["open_count"] = gorm.Expr("open_count + 1")
		// pixel refetches still stamp the signal but score only the first open
		awarded := 0
		if send.OpenedAt == nil {
			updates["opened_at"] = at
			awarded = points.Open
		}
		if send.Status == models.SendStatusSent || send.Status == models.SendStatusDelivered {
			updates["status"] = models.SendStatusOpened
		}
		return updates, models.SignalEmailOpened, awarded, nil

	case DeliveryClicked:
		if undeliverable {
			return updates, "", 0, nil
		}
		updates["click_count"] = gorm.Expr("click_count + 1")
		updates["status"] = models.SendStatusClicked
		awarded := 0
		if send.ClickedAt == nil {
			updates["clicked_at"] = at
			awarded = points.Click
		}
		if send.OpenedAt == nil {
			updates["opened_at"] = at
		}
		return updates, models.SignalEmailClicked, awarded, nil

	case DeliveryReplied:
		return updates, models.SignalEmailReplied, points.Reply, nil

	case DeliveryBounced:
		if send.Status == models.SendStatusSent || send.Status == models.SendStatusDelivered {
			updates["status"] = models.SendStatusBounced
			updates["bounced_at"] = at
		}
		return updates, "", 0, nil

	case DeliveryFailed:
		if send.Status == models.SendStatusSent {
			updates["status"] = models.SendStatusFailed
			updates["failed_at"] = at
		}
		return updates, "", 0, nil
	}

	return nil, "", 0, fmt.Errorf("%w: %s", ErrUnknownDeliveryEvent, eventType)
}

func applySignal(tx *gorm.DB, customer *models.Customer, signal string, at time.Time, points int) error {
	current, known := customer.SignalAt(signal)
	if !known {
		return fmt.Errorf("unknown signal %s", signal)
	}

	updates := map[string]interface{}{}
	if current == nil || at.After(*current) {
		updates[signalColumn(signal)] = at
	}
	if points != 0 {
		updates["engagement_score"] = addEngagement(points)
	}
	if len(updates) == 0 {
		return nil
	}

	if err := tx.Model(&models.Customer{}).Where("id = ?", customer.ID).Updates(updates).Error; err != nil {
		return err
	}
	return tx.First(customer, customer.ID).Error
}

// addEngagement adds points in the UPDATE itself, clamped to 0-100, so
// concurrent signals for one customer never lose an increment
func addEngagement(points int) clause.Expr {
	return gorm.Expr(
		"CASE WHEN engagement_score + ? > 100 THEN 100 WHEN engagement_score + ? < 0 THEN 0 ELSE engagement_score + ? END",
		points, points, points,
	)
}

func signalColumn(signal string) string {
	switch signal {
	case models.SignalEmailOpened:
		return "last_email_open"
	case models.SignalEmailClicked:
		return "last_email_click"
	case models.SignalEmailReplied:
		return "last_email_reply"
	case models.SignalSMSReplied:
		return "last_sms_reply"
	default:
		return "last_call_answered"
	}
}
