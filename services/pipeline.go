package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

const (
	TriggerEngagementThreshold = "engagement_threshold"
	TriggerManual              = "manual"

	DefaultTrialDays = 90
)

// ThresholdRule moves a customer from From to To once the engagement score
// reaches MinScore
type ThresholdRule struct {
	From     models.PipelineStage
	To       models.PipelineStage
	MinScore int
	Trigger  string
}

type PipelineConfig struct {
	TrialDays      int
	ThresholdRules []ThresholdRule
	// Outbox rows younger than this are left to the transition that wrote them
	RelayGrace time.Duration
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		TrialDays: DefaultTrialDays,
		ThresholdRules: []ThresholdRule{{
			From:     models.StageHook,
			To:       models.StageEngagement,
			MinScore: 50,
			Trigger:  TriggerEngagementThreshold,
		}},
		RelayGrace: time.Minute,
	}
}

// PipelineService is the only writer of a customer's pipeline stage
type PipelineService struct {
	DB        *gorm.DB
	Clock     utils.Clock
	Publisher events.Publisher
	Logger    *logrus.Logger
	Config    PipelineConfig
}

func NewPipelineService(db *gorm.DB, clock utils.Clock, publisher events.Publisher, logger *logrus.Logger, cfg PipelineConfig) *PipelineService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = DefaultTrialDays
	}
	return &PipelineService{
		DB:        db,
		Clock:     clock,
		Publisher: publisher,
		Logger:    logger,
		Config:    cfg,
	}
}

// Transition moves the customer to target if the stage graph allows it. An
// illegal or lost transition returns false without touching anything.
func (s *PipelineService) Transition(ctx context.Context, customer *models.Customer, target models.PipelineStage, trigger string) (bool, error) {
	from := customer.PipelineStage
	if !models.CanTransition(from, target) {
		s.Logger.WithFields(logrus.Fields{
			"customer_id": customer.ID,
			"from":        from,
			"to":          target,
		}).Debug("Rejected stage transition")
		return false, nil
	}

	now := s.Clock.Now()
	var entry models.StageTransition
	var outbox models.PipelineEvent

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Customer
		if err := tx.Select("id", "tenant_id", "pipeline_stage", "stage_entered_at").
			First(&current, customer.ID).Error; err != nil {
			return err
		}
		if current.PipelineStage != from {
			return errStageMoved
		}

		res := tx.Model(&models.Customer{}).
			Where("id = ? AND pipeline_stage = ?", customer.ID, from).
			Updates(map[string]interface{}{
				"pipeline_stage":   target,
				"stage_entered_at": now,
				"days_in_stage":    0,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStageMoved
		}

		var seq int64
		if err := tx.Model(&models.StageTransition{}).Where("customer_id = ?", customer.ID).Count(&seq).Error; err != nil {
			return err
		}

		entry = models.StageTransition{
			CustomerID:     customer.ID,
			Sequence:       int(seq) + 1,
			FromStage:      from,
			ToStage:        target,
			DaysInPrevious: wholeDays(now.Sub(current.StageEnteredAt)),
			Trigger:        trigger,
			At:             now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		outbox = models.PipelineEvent{
			CustomerID: customer.ID,
			TenantID:   current.TenantID,
			FromStage:  from,
			ToStage:    target,
			Trigger:    trigger,
			At:         now,
		}
		return tx.Create(&outbox).Error
	})
	if errors.Is(err, errStageMoved) {
		return false, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrCustomerNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition customer %d: %w", customer.ID, err)
	}

	customer.PipelineStage = target
	customer.StageEnteredAt = now
	customer.DaysInStage = 0
	customer.StageHistory = append(customer.StageHistory, entry)

	s.Logger.WithFields(logrus.Fields{
		"customer_id":      customer.ID,
		"from":             from,
		"to":               target,
		"trigger":          trigger,
		"days_in_previous": entry.DaysInPrevious,
	}).Info("Customer changed pipeline stage")

	s.publish(ctx, &outbox)
	return true, nil
}

// CheckEngagementThreshold applies the first matching threshold rule.
// Repeated calls on an already moved customer are no-ops.
func (s *PipelineService) CheckEngagementThreshold(ctx context.Context, customer *models.Customer) (bool, error) {
	for _, rule := range s.Config.ThresholdRules {
		if customer.PipelineStage != rule.From || customer.EngagementScore < rule.MinScore {
			continue
		}
		return s.Transition(ctx, customer, rule.To, rule.Trigger)
	}
	return false, nil
}

// HandleTrialAcceptance opens the trial window once. While a trial is
// active further calls leave the window untouched and return false.
func (s *PipelineService) HandleTrialAcceptance(ctx context.Context, customer *models.Customer) (bool, error) {
	now := s.Clock.Now()
	ends := now.AddDate(0, 0, s.Config.TrialDays)

	res := s.DB.WithContext(ctx).Model(&models.Customer{}).
		Where("id = ? AND trial_active = ?", customer.ID, false).
		Updates(map[string]interface{}{
			"trial_active":     true,
			"trial_started_at": now,
			"trial_ends_at":    ends,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to start trial for customer %d: %w", customer.ID, res.Error)
	}

	if res.RowsAffected == 0 {
		if err := s.DB.WithContext(ctx).First(customer, customer.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return false, ErrCustomerNotFound
			}
			return false, err
		}
		return false, nil
	}

	customer.TrialActive = true
	customer.TrialStartedAt = &now
	customer.TrialEndsAt = &ends

	utils.LogEvent("trial_started", map[string]interface{}{
		"customer_id": customer.ID,
		"ends_at":     ends,
	})
	return true, nil
}

// RefreshDaysInStage recomputes days_in_stage for every customer whose
// stored value is behind the clock
func (s *PipelineService) RefreshDaysInStage(ctx context.Context) (int, error) {
	now := s.Clock.Now()
	updated := 0

	var batch []models.Customer
	result := s.DB.WithContext(ctx).
		Select("id", "stage_entered_at", "days_in_stage").
		FindInBatches(&batch, 500, func(tx *gorm.DB, _ int) error {
			for _, c := range batch {
				days := wholeDays(now.Sub(c.StageEnteredAt))
				if days == c.DaysInStage {
					continue
				}
				if err := s.DB.WithContext(ctx).Model(&models.Customer{}).
					Where("id = ?", c.ID).
					UpdateColumn("days_in_stage", days).Error; err != nil {
					return err
				}
				updated++
			}
			return nil
		})
	if result.Error != nil {
		return updated, fmt.Errorf("failed to refresh days in stage: %w", result.Error)
	}
	return updated, nil
}

// ExpireTrials closes trials whose window has passed
func (s *PipelineService) ExpireTrials(ctx context.Context) (int, error) {
	res := s.DB.WithContext(ctx).Model(&models.Customer{}).
		Where("trial_active = ? AND trial_ends_at <= ?", true, s.Clock.Now()).
		Update("trial_active", false)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire trials: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// History returns the ordered stage history of a customer
func (s *PipelineService) History(ctx context.Context, customerID uint) ([]models.StageTransition, error) {
	var history []models.StageTransition
	if err := s.DB.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("sequence ASC").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return history, nil
}

// RelayPendingEvents publishes outbox rows whose post-commit publish never
// completed
func (s *PipelineService) RelayPendingEvents(ctx context.Context, limit int) (int, error) {
	cutoff := s.Clock.Now().Add(-s.Config.RelayGrace)

	var pending []models.PipelineEvent
	if err := s.DB.WithContext(ctx).
		Where("published_at IS NULL AND at <= ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to load pending events: %w", err)
	}

	published := 0
	for i := range pending {
		if s.publish(ctx, &pending[i]) {
			published++
		}
	}
	return published, nil
}

func (s *PipelineService) publish(ctx context.Context, outbox *models.PipelineEvent) bool {
	if err := s.Publisher.Publish(ctx, events.FromOutbox(outbox)); err != nil {
		utils.LogError("stage_event_publish", err, map[string]interface{}{
			"event_id":    outbox.ID,
			"customer_id": outbox.CustomerID,
		})
		return false
	}

	now := s.Clock.Now()
	if err := s.DB.WithContext(ctx).Model(&models.PipelineEvent{}).
		Where("id = ?", outbox.ID).
		Update("published_at", now).Error; err != nil {
		s.Logger.WithError(err).WithField("event_id", outbox.ID).Warn("Failed to mark stage event published")
		return false
	}
	outbox.PublishedAt = &now
	return true
}

func wholeDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// ThresholdCandidates returns customers a threshold rule would move now
func (s *PipelineService) ThresholdCandidates(ctx context.Context, limit int) ([]models.Customer, error) {
	var candidates []models.Customer
	for _, rule := range s.Config.ThresholdRules {
		var batch []models.Customer
		if err := s.DB.WithContext(ctx).
			Where("pipeline_stage = ? AND engagement_score >= ?", rule.From, rule.MinScore).
			Order("id ASC").
			Limit(limit).
			Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("failed to load threshold candidates: %w", err)
		}
		candidates = append(candidates, batch...)
	}
	return candidates, nil
}
