package events

import (
	"context"
	"time"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
)

// StageChanged is emitted once per committed pipeline transition
type StageChanged struct {
	EventID    uint                 `json:"event_id"`
	CustomerID uint                 `json:"customer_id"`
	TenantID   uint                 `json:"tenant_id"`
	From       models.PipelineStage `json:"from"`
	To         models.PipelineStage `json:"to"`
	Trigger    string               `json:"trigger"`
	At         time.Time            `json:"at"`
}

// FromOutbox builds the notification for a stored outbox row
func FromOutbox(e *models.PipelineEvent) StageChanged {
	return StageChanged{
		EventID:    e.ID,
		CustomerID: e.CustomerID,
		TenantID:   e.TenantID,
		From:       e.FromStage,
		To:         e.ToStage,
		Trigger:    e.Trigger,
		At:         e.At,
	}
}

type Publisher interface {
	Publish(ctx context.Context, event StageChanged) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, StageChanged) error { return nil }
