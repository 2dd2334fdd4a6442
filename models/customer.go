package models

import (
	"time"

	"gorm.io/gorm"
)

// Engagement signal names usable in timeline action conditions
const (
	SignalEmailOpened  = "email_opened"
	SignalEmailClicked = "email_clicked"
	SignalEmailReplied = "email_replied"
	SignalSMSReplied   = "sms_replied"
	SignalCallAnswered = "call_answered"
)

// Customer is the CRM contact moving through the pipeline
type Customer struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Name  string `json:"name"`
	Email string `gorm:"index" json:"email"`
	Phone string `json:"phone"`

	// Pipeline state (written by the transition service only)
	PipelineStage  PipelineStage `gorm:"type:varchar(32);not null;index" json:"pipeline_stage"`
	StageEnteredAt time.Time     `gorm:"not null" json:"stage_entered_at"`
	DaysInStage    int           `gorm:"default:0" json:"days_in_stage"`

	// Scores
	EngagementScore int `gorm:"default:0" json:"engagement_score"` // 0-100
	LeadScore       int `gorm:"default:0" json:"lead_score"`

	// Trial window
	TrialActive    bool       `json:"trial_active"`
	TrialStartedAt *time.Time `json:"trial_started_at"`
	TrialEndsAt    *time.Time `json:"trial_ends_at"`

	// Channel opt-ins
	EmailOptIn bool `json:"email_opt_in"`
	SMSOptIn   bool `gorm:"column:sms_opt_in" json:"sms_opt_in"`
	PhoneOptIn bool `json:"phone_opt_in"`

	// Engagement signals, fed by channel webhooks
	LastEmailOpen    *time.Time `json:"last_email_open"`
	LastEmailClick   *time.Time `json:"last_email_click"`
	LastEmailReply   *time.Time `json:"last_email_reply"`
	LastSMSReply     *time.Time `gorm:"column:last_sms_reply" json:"last_sms_reply"`
	LastCallAnswered *time.Time `json:"last_call_answered"`

	// Relations
	StageHistory []StageTransition `gorm:"foreignKey:CustomerID" json:"stage_history,omitempty"`
}

// StageTransition is one entry of a customer's append-only stage history
type StageTransition struct {
	ID             uint          `gorm:"primarykey" json:"id"`
	CustomerID     uint          `gorm:"not null;uniqueIndex:idx_customer_transition_seq" json:"customer_id"`
	Sequence       int           `gorm:"not null;uniqueIndex:idx_customer_transition_seq" json:"sequence"`
	FromStage      PipelineStage `gorm:"type:varchar(32);not null" json:"from"`
	ToStage        PipelineStage `gorm:"type:varchar(32);not null" json:"to"`
	DaysInPrevious int           `gorm:"not null" json:"days_in_previous"`
	Trigger        string        `gorm:"not null" json:"trigger"`
	At             time.Time     `gorm:"not null" json:"at"`
}

// SignalAt returns the last time the named signal was observed. The second
// return value is false for unknown signal names.
func (c *Customer) SignalAt(signal string) (*time.Time, bool) {
	switch signal {
	case SignalEmailOpened:
		return c.LastEmailOpen, true
	case SignalEmailClicked:
		return c.LastEmailClick, true
	case SignalEmailReplied:
		return c.LastEmailReply, true
	case SignalSMSReplied:
		return c.LastSMSReply, true
	case SignalCallAnswered:
		return c.LastCallAnswered, true
	}
	return nil, false
}

// CanReceive reports whether the customer accepts outreach on channel
func (c *Customer) CanReceive(channel Channel) bool {
	switch channel {
	case ChannelEmail:
		return c.EmailOptIn && c.Email != ""
	case ChannelSMS:
		return c.SMSOptIn && c.Phone != ""
	case ChannelPhone:
		return c.PhoneOptIn && c.Phone != ""
	}
	return false
}

