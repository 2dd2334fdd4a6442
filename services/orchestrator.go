package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

const DefaultMaxConflictRetries = 5

// Orchestrator drives customers through their timeline templates. Every
// action is attempted at most once per progress: the ledger row is claimed
// under a version check before the executor is called.
type Orchestrator struct {
	DB                 *gorm.DB
	Executor           ActionExecutor
	Clock              utils.Clock
	Logger             *logrus.Logger
	MaxConflictRetries int
}

func NewOrchestrator(db *gorm.DB, executor ActionExecutor, clock utils.Clock, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		DB:                 db,
		Executor:           executor,
		Clock:              clock,
		Logger:             logger,
		MaxConflictRetries: DefaultMaxConflictRetries,
	}
}

// AdvanceReport summarizes one day tick
type AdvanceReport struct {
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Conflicts int `json:"conflicts"`
}

// StartTimeline puts a customer on a template. A customer has at most one
// active progress per stage; a second start is rejected.
func (o *Orchestrator) StartTimeline(ctx context.Context, customer *models.Customer, template *models.TimelineTemplate) (*models.TimelineProgress, error) {
	if !template.IsActive {
		return nil, ErrTemplateInactive
	}
	if template.PipelineStage != customer.PipelineStage {
		return nil, ErrStageMismatch
	}

	db := o.DB.WithContext(ctx)
	active, err := o.hasActiveProgress(db, customer.ID, template.PipelineStage)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrTimelineAlreadyActive
	}

	progress := &models.TimelineProgress{
		CustomerID:    customer.ID,
		TemplateID:    template.ID,
		PipelineStage: template.PipelineStage,
		CurrentDay:    1,
		StartedAt:     o.Clock.Now(),
		Status:        models.ProgressActive,
	}
	if err := db.Create(progress).Error; err != nil {
		// the partial unique index catches a concurrent start
		if active, checkErr := o.hasActiveProgress(db, customer.ID, template.PipelineStage); checkErr == nil && active {
			return nil, ErrTimelineAlreadyActive
		}
		return nil, fmt.Errorf("failed to start timeline: %w", err)
	}

	o.Logger.WithFields(logrus.Fields{
		"customer_id": customer.ID,
		"template_id": template.ID,
		"progress_id": progress.ID,
		"stage":       template.PipelineStage,
	}).Info("Timeline started")

	return progress, nil
}

func (o *Orchestrator) hasActiveProgress(db *gorm.DB, customerID uint, stage models.PipelineStage) (bool, error) {
	var count int64
	if err := db.Model(&models.TimelineProgress{}).
		Where("customer_id = ? AND pipeline_stage = ? AND status = ?", customerID, stage, models.ProgressActive).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check active timelines: %w", err)
	}
	return count > 0, nil
}

// ExecuteActionsForCustomer runs today's due actions of every active
// progress the customer has. The customer is reloaded so stage and signals
// are current. A customer without active progress yields an empty result.
func (o *Orchestrator) ExecuteActionsForCustomer(ctx context.Context, customer *models.Customer) ([]ActionResult, error) {
	db := o.DB.WithContext(ctx)
	if err := db.First(customer, customer.ID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to load customer %d: %w", customer.ID, err)
	}

	var progresses []models.TimelineProgress
	if err := db.Preload("Actions").
		Where("customer_id = ? AND status = ?", customer.ID, models.ProgressActive).
		Order("id ASC").
		Find(&progresses).Error; err != nil {
		return nil, fmt.Errorf("failed to load active timelines: %w", err)
	}

	results := []ActionResult{}
	for i := range progresses {
		progress := &progresses[i]

		if progress.PipelineStage != customer.PipelineStage {
			if err := o.cancel(db, progress, fmt.Sprintf("customer moved to %s", customer.PipelineStage)); err != nil {
				return results, err
			}
			continue
		}

		res, err := o.executeProgress(ctx, customer, progress)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

func (o *Orchestrator) executeProgress(ctx context.Context, customer *models.Customer, progress *models.TimelineProgress) ([]ActionResult, error) {
	var actions []models.TimelineAction
	if err := o.DB.WithContext(ctx).
		Where("template_id = ? AND day_number = ? AND is_active = ?", progress.TemplateID, progress.CurrentDay, true).
		Order("priority DESC, id ASC").
		Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to load actions for progress %d: %w", progress.ID, err)
	}

	var results []ActionResult
	for i := range actions {
		action := &actions[i]
		if progress.Recorded(action.ID) {
			continue
		}

		result, err := o.runAction(ctx, customer, progress, action)
		if errors.Is(err, errProgressMoved) {
			return results, nil
		}
		if err != nil {
			return results, err
		}
		if result != nil {
			results = append(results, *result)
		}
	}

	if err := o.completeIfExhausted(ctx, progress); err != nil {
		return results, err
	}
	return results, nil
}

// runAction claims the action in the ledger and, unless its condition says
// skip, hands it to the executor. A version conflict reloads the progress
// and tries again; an action another writer recorded meanwhile is dropped.
func (o *Orchestrator) runAction(ctx context.Context, customer *models.Customer, progress *models.TimelineProgress, action *models.TimelineAction) (*ActionResult, error) {
	retries := o.MaxConflictRetries
	if retries <= 0 {
		retries = DefaultMaxConflictRetries
	}

	for attempt := 0; attempt <= retries; attempt++ {
		now := o.Clock.Now()
		kind := models.LedgerCompleted
		if ShouldSkip(customer, action.Conditions, now) {
			kind = models.LedgerSkipped
		}

		entry, err := o.claim(ctx, progress, action.ID, kind, now)
		if err == nil {
			return o.finish(ctx, customer, progress, action, entry), nil
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}

		o.Logger.WithFields(logrus.Fields{
			"progress_id": progress.ID,
			"action_id":   action.ID,
			"attempt":     attempt + 1,
		}).Debug("Progress version conflict, reloading")

		if err := o.reload(ctx, progress); err != nil {
			return nil, err
		}
		if progress.Status != models.ProgressActive || progress.CurrentDay != action.DayNumber {
			return nil, errProgressMoved
		}
		if progress.Recorded(action.ID) {
			return nil, nil
		}
	}

	return nil, fmt.Errorf("progress %d action %d: %w", progress.ID, action.ID, ErrProgressConflict)
}

func (o *Orchestrator) claim(ctx context.Context, progress *models.TimelineProgress, actionID uint, kind string, now time.Time) (*models.ProgressAction, error) {
	entry := &models.ProgressAction{
		ProgressID: progress.ID,
		ActionID:   actionID,
		Kind:       kind,
		RecordedAt: now,
	}
	if kind == models.LedgerCompleted {
		entry.OutcomeStatus = OutcomePending
	} else {
		entry.OutcomeStatus = OutcomeSkipped
	}

	err := o.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TimelineProgress{}).
			Where("id = ? AND version = ? AND status = ?", progress.ID, progress.Version, models.ProgressActive).
			Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		return tx.Create(entry).Error
	})
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record action %d for progress %d: %w", actionID, progress.ID, err)
	}

	progress.Version++
	progress.Actions = append(progress.Actions, *entry)
	return entry, nil
}

func (o *Orchestrator) finish(ctx context.Context, customer *models.Customer, progress *models.TimelineProgress, action *models.TimelineAction, entry *models.ProgressAction) *ActionResult {
	fields := logrus.Fields{
		"customer_id": customer.ID,
		"progress_id": progress.ID,
		"action_id":   action.ID,
		"channel":     action.Channel,
		"day":         action.DayNumber,
	}

	if entry.Kind == models.LedgerSkipped {
		o.Logger.WithFields(fields).WithField("condition", action.Conditions.If).Info("Action skipped by condition")
		return &ActionResult{
			ProgressID: progress.ID,
			ActionID:   action.ID,
			Kind:       models.LedgerSkipped,
			Outcome:    ActionOutcome{Status: OutcomeSkipped},
		}
	}

	outcome := o.execute(ctx, customer, action, progress.ID)

	if err := o.DB.WithContext(ctx).Model(&models.ProgressAction{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"outcome_status": outcome.Status,
			"external_id":    outcome.ExternalID,
			"error":          outcome.Error,
		}).Error; err != nil {
		o.Logger.WithFields(fields).WithError(err).Warn("Failed to store action outcome")
	}

	fields["outcome"] = outcome.Status
	if outcome.Status == OutcomeFailed {
		o.Logger.WithFields(fields).WithField("error", outcome.Error).Warn("Action attempt failed")
	} else {
		o.Logger.WithFields(fields).Info("Action executed")
	}

	return &ActionResult{
		ProgressID: progress.ID,
		ActionID:   action.ID,
		Kind:       models.LedgerCompleted,
		Outcome:    outcome,
	}
}

// execute turns executor errors and panics into a failed outcome
func (o *Orchestrator) execute(ctx context.Context, customer *models.Customer, action *models.TimelineAction, progressID uint) (outcome ActionOutcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("executor panic: %v", r)
			utils.LogError("action_executor_panic", err, map[string]interface{}{
				"customer_id": customer.ID,
				"action_id":   action.ID,
			})
			outcome = ActionOutcome{Status: OutcomeFailed, Error: err.Error()}
		}
	}()

	if o.Executor == nil {
		return ActionOutcome{Status: OutcomeFailed, Error: "no action executor configured"}
	}

	out, err := o.Executor.Execute(ctx, customer, action, progressID)
	if err != nil {
		return ActionOutcome{Status: OutcomeFailed, ExternalID: out.ExternalID, Error: err.Error()}
	}
	if out.Status == "" {
		out.Status = OutcomeSent
	}
	return out
}

func (o *Orchestrator) reload(ctx context.Context, progress *models.TimelineProgress) error {
	var fresh models.TimelineProgress
	if err := o.DB.WithContext(ctx).Preload("Actions").First(&fresh, progress.ID).Error; err != nil {
		return fmt.Errorf("failed to reload progress %d: %w", progress.ID, err)
	}
	*progress = fresh
	return nil
}

// completeIfExhausted closes the progress once every active action of its
// template sits in the ledger
func (o *Orchestrator) completeIfExhausted(ctx context.Context, progress *models.TimelineProgress) error {
	db := o.DB.WithContext(ctx)

	recorded := db.Model(&models.ProgressAction{}).Select("action_id").Where("progress_id = ?", progress.ID)
	var remaining int64
	if err := db.Model(&models.TimelineAction{}).
		Where("template_id = ? AND is_active = ?", progress.TemplateID, true).
		Where("id NOT IN (?)", recorded).
		Count(&remaining).Error; err != nil {
		return fmt.Errorf("failed to count remaining actions: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	now := o.Clock.Now()
	res := db.Model(&models.TimelineProgress{}).
		Where("id = ? AND status = ?", progress.ID, models.ProgressActive).
		Updates(map[string]interface{}{
			"status":       models.ProgressCompleted,
			"completed_at": now,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete progress %d: %w", progress.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		progress.Status = models.ProgressCompleted
		progress.CompletedAt = &now
		progress.Version++
		o.Logger.WithField("progress_id", progress.ID).Info("Timeline completed, all actions recorded")
	}
	return nil
}

func (o *Orchestrator) cancel(db *gorm.DB, progress *models.TimelineProgress, reason string) error {
	now := o.Clock.Now()
	res := db.Model(&models.TimelineProgress{}).
		Where("id = ? AND status = ?", progress.ID, models.ProgressActive).
		Updates(map[string]interface{}{
			"status":       models.ProgressCancelled,
			"cancelled_at": now,
			"cancel_note":  reason,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel progress %d: %w", progress.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		progress.Status = models.ProgressCancelled
		progress.CancelledAt = &now
		progress.CancelNote = reason
		progress.Version++
		o.Logger.WithFields(logrus.Fields{
			"progress_id": progress.ID,
			"customer_id": progress.CustomerID,
			"reason":      reason,
		}).Info("Timeline cancelled")
	}
	return nil
}

// CancelProgress cancels one of the customer's active timelines
func (o *Orchestrator) CancelProgress(ctx context.Context, customerID, progressID uint, reason string) (*models.TimelineProgress, error) {
	db := o.DB.WithContext(ctx)

	var progress models.TimelineProgress
	if err := db.Where("id = ? AND customer_id = ? AND status = ?", progressID, customerID, models.ProgressActive).
		First(&progress).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgressNotFound
		}
		return nil, err
	}

	if err := o.cancel(db, &progress, reason); err != nil {
		return nil, err
	}
	if progress.Status != models.ProgressCancelled {
		return nil, ErrProgressNotFound
	}
	return &progress, nil
}

// AdvanceDays is the daily tick. A progress whose day boundary has passed
// moves forward one day; past the template's last day it completes.
func (o *Orchestrator) AdvanceDays(ctx context.Context) (AdvanceReport, error) {
	var report AdvanceReport
	db := o.DB.WithContext(ctx)
	now := o.Clock.Now()

	var progresses []models.TimelineProgress
	if err := db.Where("status = ?", models.ProgressActive).Order("id ASC").Find(&progresses).Error; err != nil {
		return report, fmt.Errorf("failed to load active timelines: %w", err)
	}
	if len(progresses) == 0 {
		return report, nil
	}

	durations, err := o.templateDurations(db, progresses)
	if err != nil {
		return report, err
	}

	for _, p := range progresses {
		boundary := p.StartedAt.Add(time.Duration(p.CurrentDay) * 24 * time.Hour)
		if now.Before(boundary) {
			continue
		}

		updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
		completing := p.CurrentDay+1 > durations[p.TemplateID]
		if completing {
			updates["status"] = models.ProgressCompleted
			updates["completed_at"] = now
		} else {
			updates["current_day"] = p.CurrentDay + 1
		}

		res := db.Model(&models.TimelineProgress{}).
			Where("id = ? AND version = ? AND status = ?", p.ID, p.Version, models.ProgressActive).
			Updates(updates)
		if res.Error != nil {
			return report, fmt.Errorf("failed to advance progress %d: %w", p.ID, res.Error)
		}
		switch {
		case res.RowsAffected == 0:
			// picked up on the next tick
			report.Conflicts++
		case completing:
			report.Completed++
		default:
			report.Advanced++
		}
	}

	o.Logger.WithFields(logrus.Fields{
		"advanced":  report.Advanced,
		"completed": report.Completed,
		"conflicts": report.Conflicts,
	}).Info("Timeline day tick finished")

	return report, nil
}

func (o *Orchestrator) templateDurations(db *gorm.DB, progresses []models.TimelineProgress) (map[uint]int, error) {
	ids := make([]uint, 0, len(progresses))
	seen := make(map[uint]bool)
	for _, p := range progresses {
		if !seen[p.TemplateID] {
			seen[p.TemplateID] = true
			ids = append(ids, p.TemplateID)
		}
	}

	var templates []models.TimelineTemplate
	if err := db.Unscoped().Select("id", "duration_days").Where("id IN ?", ids).Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("failed to load template durations: %w", err)
	}

	durations := make(map[uint]int, len(templates))
	for _, t := range templates {
		durations[t.ID] = t.DurationDays
	}
	return durations, nil
}

// CustomersWithActiveTimelines lists the ids the timeline worker should visit
func (o *Orchestrator) CustomersWithActiveTimelines(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := o.DB.WithContext(ctx).Model(&models.TimelineProgress{}).
		Where("status = ?", models.ProgressActive).
		Distinct().
		Order("customer_id ASC").
		Pluck("customer_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list customers with active timelines: %w", err)
	}
	return ids, nil
}
