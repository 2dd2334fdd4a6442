package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel is the outreach medium of a timeline action
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPhone Channel = "phone"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelPhone
}

// Progress statuses
const (
	ProgressActive    = "active"
	ProgressCompleted = "completed"
	ProgressCancelled = "cancelled"
)

// Ledger entry kinds
const (
	LedgerCompleted = "completed"
	LedgerSkipped   = "skipped"
)

// Condition outcomes. Only skip is acted on.
const ConditionThenSkip = "skip"

// TimelineTemplate is a reusable day-indexed outreach plan for one stage
type TimelineTemplate struct {
	gorm.Model
	TenantID uint `gorm:"index" json:"tenant_id"`

	Name          string        `gorm:"not null" json:"name" validate:"required,max=255"`
	Version       int           `gorm:"not null;default:1" json:"version"`
	PipelineStage PipelineStage `gorm:"type:varchar(32);not null;index" json:"pipeline_stage" validate:"required"`
	DurationDays  int           `gorm:"not null" json:"duration_days" validate:"required,min=1,max=365"`
	IsActive      bool          `json:"is_active"`
	IsDefault     bool          `json:"is_default"`

	// Relations
	Actions []TimelineAction `gorm:"foreignKey:TemplateID" json:"actions" validate:"dive"`
}

// TimelineAction is one scheduled outreach step of a template
type TimelineAction struct {
	gorm.Model
	TemplateID uint `gorm:"not null;index" json:"template_id"`

	DayNumber  int              `gorm:"not null;index" json:"day_number" validate:"required,min=1"`
	Channel    Channel          `gorm:"type:varchar(16);not null" json:"channel" validate:"required,oneof=email sms phone"`
	ActionType string           `gorm:"not null" json:"action_type" validate:"required"`
	CampaignID string           `json:"campaign_id"` // content reference, opaque to the engine
	Priority   int              `gorm:"default:0" json:"priority"`
	DelayHours int              `gorm:"default:0" json:"delay_hours" validate:"min=0,max=23"`
	Conditions *ActionCondition `gorm:"type:jsonb;serializer:json" json:"conditions,omitempty"`
	IsActive   bool             `json:"is_active"`
}

// ActionCondition is the skip rule of an action: when Signal was seen in the
// last WithinHours hours, apply Then.
type ActionCondition struct {
	If          string `json:"if"`
	WithinHours int    `json:"within_hours"`
	Then        string `json:"then"`
}

// TimelineProgress is the runtime cursor of one customer through one template
type TimelineProgress struct {
	gorm.Model
	// One active progress per (customer, stage)
	CustomerID    uint          `gorm:"not null;index;uniqueIndex:idx_active_progress,where:status = 'active'" json:"customer_id"`
	TemplateID    uint          `gorm:"not null;index" json:"template_id"`
	PipelineStage PipelineStage `gorm:"type:varchar(32);not null;uniqueIndex:idx_active_progress,where:status = 'active'" json:"pipeline_stage"`

	CurrentDay  int        `gorm:"not null;default:1" json:"current_day"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	Status      string     `gorm:"type:varchar(16);not null;index" json:"status"`
	Version     int        `gorm:"not null;default:0" json:"version"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CancelNote  string     `json:"cancel_note,omitempty"`

	// Relations
	Actions []ProgressAction `gorm:"foreignKey:ProgressID" json:"actions,omitempty"`
}

// ProgressAction records that an action of a progress was attempted or
// skipped. The unique index keeps an action in at most one set, once.
type ProgressAction struct {
	ID         uint   `gorm:"primarykey" json:"id"`
	ProgressID uint   `gorm:"not null;uniqueIndex:idx_progress_action" json:"progress_id"`
	ActionID   uint   `gorm:"not null;uniqueIndex:idx_progress_action" json:"action_id"`
	Kind       string `gorm:"type:varchar(16);not null" json:"kind"`

	OutcomeStatus string    `gorm:"type:varchar(16)" json:"outcome_status"`
	ExternalID    string    `json:"external_id,omitempty"`
	Error         string    `gorm:"type:text" json:"error,omitempty"`
	RecordedAt    time.Time `gorm:"not null" json:"recorded_at"`
}

// CompletedActions returns the ids of attempted actions
func (p *TimelineProgress) CompletedActions() map[uint]struct{} {
	return p.ledgerSet(LedgerCompleted)
}

// SkippedActions returns the ids of actions suppressed by their condition
func (p *TimelineProgress) SkippedActions() map[uint]struct{} {
	return p.ledgerSet(LedgerSkipped)
}

// Recorded reports whether the action is in either set
func (p *TimelineProgress) Recorded(actionID uint) bool {
	for _, a := range p.Actions {
		if a.ActionID == actionID {
			return true
		}
	}
	return false
}

func (p *TimelineProgress) ledgerSet(kind string) map[uint]struct{} {
	set := make(map[uint]struct{})
	for _, a := range p.Actions {
		if a.Kind == kind {
			set[a.ActionID] = struct{}{}
		}
	}
	return set
}
