package services

import (
	"context"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
)

// Outcome statuses reported for an attempted action
const (
	OutcomePending    = "pending"
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
	OutcomeSkipped    = "skipped"
)

// ActionOutcome is what a channel reports back for one attempt. It is kept
// for logging and analytics only.
type ActionOutcome struct {
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ActionExecutor delivers one timeline action to one customer. Retrying a
// failed delivery is the executor's concern.
type ActionExecutor interface {
	Execute(ctx context.Context, customer *models.Customer, action *models.TimelineAction, progressID uint) (ActionOutcome, error)
}

// ExecutorFunc adapts a function to ActionExecutor
type ExecutorFunc func(ctx context.Context, customer *models.Customer, action *models.TimelineAction, progressID uint) (ActionOutcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, customer *models.Customer, action *models.TimelineAction, progressID uint) (ActionOutcome, error) {
	return f(ctx, customer, action, progressID)
}

// ActionResult is the per-action report of one execution run
type ActionResult struct {
	ProgressID uint          `json:"progress_id"`
	ActionID   uint          `json:"action_id"`
	Kind       string        `json:"kind"`
	Outcome    ActionOutcome `json:"outcome"`
}
