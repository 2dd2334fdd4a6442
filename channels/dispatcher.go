package channels

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

var ErrNoContent = errors.New("no message template for campaign")

// Channel delivers rendered content on one medium
type Channel interface {
	Deliver(ctx context.Context, customer *models.Customer, action *models.TimelineAction, content *models.MessageTemplate, progressID uint) (services.ActionOutcome, error)
}

// Dispatcher is the orchestrator's action executor. It resolves the action's
// content, checks the customer accepts the channel and hands off.
type Dispatcher struct {
	DB       *gorm.DB
	Channels map[models.Channel]Channel
	Logger   *logrus.Logger
}

func NewDispatcher(db *gorm.DB, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		DB:       db,
		Channels: make(map[models.Channel]Channel),
		Logger:   logger,
	}
}

// Register wires a channel implementation
func (d *Dispatcher) Register(channel models.Channel, impl Channel) *Dispatcher {
	d.Channels[channel] = impl
	return d
}

func (d *Dispatcher) Execute(ctx context.Context, customer *models.Customer, action *models.TimelineAction, progressID uint) (services.ActionOutcome, error) {
	if !customer.CanReceive(action.Channel) {
		d.Logger.WithFields(logrus.Fields{
			"customer_id": customer.ID,
			"action_id":   action.ID,
			"channel":     action.Channel,
		}).Info("Customer opted out of channel, suppressing action")
		return services.ActionOutcome{Status: services.OutcomeSuppressed}, nil
	}

	impl, ok := d.Channels[action.Channel]
	if !ok {
		return services.ActionOutcome{}, fmt.Errorf("no channel registered for %s", action.Channel)
	}

	content, err := d.content(ctx, customer.TenantID, action.CampaignID)
	if err != nil {
		return services.ActionOutcome{}, err
	}

	return impl.Deliver(ctx, customer, action, content, progressID)
}

func (d *Dispatcher) content(ctx context.Context, tenantID uint, campaignID string) (*models.MessageTemplate, error) {
	if campaignID == "" {
		return nil, fmt.Errorf("%w: action has no campaign id", ErrNoContent)
	}

	var tpl models.MessageTemplate
	err := d.DB.WithContext(ctx).
		Where("campaign_id = ? AND tenant_id IN ?", campaignID, []uint{tenantID, 0}).
		Order("tenant_id DESC").
		First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoContent, campaignID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load content %s: %w", campaignID, err)
	}
	return &tpl, nil
}
