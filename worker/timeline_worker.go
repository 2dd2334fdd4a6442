package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// TimelinePassReport counts what one timeline pass did
type TimelinePassReport struct {
	Customers int64
	Actions   int64
	Busy      int64
	Failed    int64
	Moved     int64
}

// TimelineWorker executes due timeline actions for every customer with an
// active progress, a bounded number of customers at a time
type TimelineWorker struct {
	Orchestrator *services.Orchestrator
	Pipeline     *services.PipelineService
	Locker       Locker
	Logger       *logrus.Logger
	Concurrency  int
	LockTTL      time.Duration
	BatchSize    int
}

func NewTimelineWorker(orch *services.Orchestrator, pipeline *services.PipelineService, locker Locker, logger *logrus.Logger) *TimelineWorker {
	return &TimelineWorker{
		Orchestrator: orch,
		Pipeline:     pipeline,
		Locker:       locker,
		Logger:       logger,
		Concurrency:  8,
		LockTTL:      5 * time.Minute,
		BatchSize:    1000,
	}
}

func (tw *TimelineWorker) Name() string { return "timeline" }

func (tw *TimelineWorker) RunOnce(ctx context.Context) error {
	_, err := tw.Process(ctx)
	return err
}

// Process runs one pass and reports on it. Failures of single customers are
// logged and counted, never returned.
func (tw *TimelineWorker) Process(ctx context.Context) (TimelinePassReport, error) {
	var report TimelinePassReport

	ids, err := tw.Orchestrator.CustomersWithActiveTimelines(ctx)
	if err != nil {
		return report, err
	}

	concurrency := tw.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tw.processCustomer(gctx, id, &report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if err := tw.sweepThresholds(ctx, &report); err != nil {
		return report, err
	}

	tw.Logger.WithFields(logrus.Fields{
		"customers": report.Customers,
		"actions":   report.Actions,
		"busy":      report.Busy,
		"failed":    report.Failed,
		"moved":     report.Moved,
	}).Info("Timeline pass finished")
	return report, ctx.Err()
}

func (tw *TimelineWorker) processCustomer(ctx context.Context, customerID uint, report *TimelinePassReport) {
	release, ok, err := tw.Locker.Acquire(ctx, customerLockKey(customerID), tw.LockTTL)
	if err != nil {
		atomic.AddInt64(&report.Failed, 1)
		utils.LogError("customer_lock", err, map[string]interface{}{"customer_id": customerID})
		return
	}
	if !ok {
		atomic.AddInt64(&report.Busy, 1)
		return
	}
	defer release()

	atomic.AddInt64(&report.Customers, 1)

	customer := &models.Customer{}
	customer.ID = customerID
	results, err := tw.Orchestrator.ExecuteActionsForCustomer(ctx, customer)
	atomic.AddInt64(&report.Actions, int64(len(results)))
	if err != nil {
		atomic.AddInt64(&report.Failed, 1)
		utils.LogError("timeline_execution", err, map[string]interface{}{"customer_id": customerID})
		return
	}

	moved, err := tw.Pipeline.CheckEngagementThreshold(ctx, customer)
	if err != nil {
		utils.LogError("engagement_threshold", err, map[string]interface{}{"customer_id": customerID})
		return
	}
	if moved {
		atomic.AddInt64(&report.Moved, 1)
	}
}

// sweepThresholds moves customers who crossed a threshold without being on
// a timeline
func (tw *TimelineWorker) sweepThresholds(ctx context.Context, report *TimelinePassReport) error {
	candidates, err := tw.Pipeline.ThresholdCandidates(ctx, tw.BatchSize)
	if err != nil {
		return err
	}

	for i := range candidates {
		c := &candidates[i]
		release, ok, err := tw.Locker.Acquire(ctx, customerLockKey(c.ID), tw.LockTTL)
		if err != nil || !ok {
			continue
		}
		moved, err := tw.Pipeline.CheckEngagementThreshold(ctx, c)
		release()
		if err != nil {
			utils.LogError("engagement_threshold", err, map[string]interface{}{"customer_id": c.ID})
			continue
		}
		if moved {
			report.Moved++
		}
	}
	return nil
}

func customerLockKey(id uint) string {
	return fmt.Sprintf("customer:%d", id)
}
