package services

import (
	"time"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
)

// ShouldSkip evaluates an action's skip rule against the customer's signals.
// Anything it cannot evaluate (unknown signal, unknown outcome, no window)
// counts as not met, so the action still runs.
func ShouldSkip(customer *models.Customer, cond *models.ActionCondition, now time.Time) bool {
	if cond == nil || cond.If == "" {
		return false
	}
	if cond.Then != models.ConditionThenSkip || cond.WithinHours <= 0 {
		return false
	}

	seen, known := customer.SignalAt(cond.If)
	if !known || seen == nil {
		return false
	}

	return now.Sub(*seen) <= time.Duration(cond.WithinHours)*time.Hour
}
