package worker

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

// DayTickWorker moves timelines and stage counters forward as days pass
type DayTickWorker struct {
	Orchestrator *services.Orchestrator
	Pipeline     *services.PipelineService
	Logger       *logrus.Logger
}

func NewDayTickWorker(orch *services.Orchestrator, pipeline *services.PipelineService, logger *logrus.Logger) *DayTickWorker {
	return &DayTickWorker{
		Orchestrator: orch,
		Pipeline:     pipeline,
		Logger:       logger,
	}
}

func (dw *DayTickWorker) Name() string { return "day-tick" }

// RunOnce runs every step even when an earlier one fails
func (dw *DayTickWorker) RunOnce(ctx context.Context) error {
	var errs []error

	report, err := dw.Orchestrator.AdvanceDays(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	refreshed, err := dw.Pipeline.RefreshDaysInStage(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	expired, err := dw.Pipeline.ExpireTrials(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	dw.Logger.WithFields(logrus.Fields{
		"advanced":       report.Advanced,
		"completed":      report.Completed,
		"days_refreshed": refreshed,
		"trials_expired": expired,
	}).Info("Day tick finished")

	return errors.Join(errs...)
}
