package models

import (
	"time"

	"gorm.io/gorm"
)

// Email send statuses. A send moves sent -> delivered -> opened -> clicked,
// or sent -> bounced/failed.
const (
	SendStatusSent      = "sent"
	SendStatusDelivered = "delivered"
	SendStatusOpened    = "opened"
	SendStatusClicked   = "clicked"
	SendStatusBounced   = "bounced"
	SendStatusFailed    = "failed"
)

// Follow-up strategies of the escalation ladder
const (
	StrategySendSMS   = "send_sms"
	StrategyEscalated = "escalated"
)

// Interaction types and priorities
const (
	InteractionSMSFollowup     = "sms_followup"
	InteractionHumanEscalation = "human_escalation"

	PriorityNormal = "normal"
	PriorityHigh   = "high"

	InteractionPending = "pending"
	InteractionSent    = "sent"
	InteractionFailed  = "failed"
)

// EmailSend tracks one outbound email and its follow-up state
type EmailSend struct {
	gorm.Model
	CustomerID uint  `gorm:"not null;index" json:"customer_id"`
	ProgressID *uint `gorm:"index" json:"progress_id,omitempty"`
	ActionID   *uint `json:"action_id,omitempty"`

	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`
	Subject   string `json:"subject"`
	Status    string `gorm:"type:varchar(16);not null;index" json:"status"`

	SentAt      time.Time  `gorm:"not null;index" json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	BouncedAt   *time.Time `json:"bounced_at"`
	FailedAt    *time.Time `json:"failed_at"`
	OpenCount   int        `gorm:"default:0" json:"open_count"`
	ClickCount  int        `gorm:"default:0" json:"click_count"`

	// Follow-up ladder state
	FollowupCount       int        `gorm:"default:0" json:"followup_count"`
	FollowupTriggeredAt *time.Time `gorm:"index" json:"followup_triggered_at"`
	FollowupStrategy    string     `gorm:"type:varchar(16)" json:"followup_strategy"`
}

// Interaction is an outbound touch or a task for a human, created by the
// follow-up service
type Interaction struct {
	gorm.Model
	CustomerID uint  `gorm:"not null;index" json:"customer_id"`
	SendID     *uint `gorm:"index" json:"send_id,omitempty"`

	Channel    Channel `gorm:"type:varchar(16);not null" json:"channel"`
	Type       string  `gorm:"type:varchar(32);not null" json:"type"`
	Priority   string  `gorm:"type:varchar(16);not null" json:"priority"`
	Status     string  `gorm:"type:varchar(16);not null;index" json:"status"`
	AssignedTo string  `json:"assigned_to,omitempty"`
	Body       string  `gorm:"type:text" json:"body"`
	ExternalID string  `json:"external_id,omitempty"`
	Error      string  `gorm:"type:text" json:"error,omitempty"`
}
