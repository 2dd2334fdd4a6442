package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

// EventRelayWorker republishes stage events whose publish never completed
type EventRelayWorker struct {
	Pipeline  *services.PipelineService
	BatchSize int
	Logger    *logrus.Logger
}

func NewEventRelayWorker(pipeline *services.PipelineService, logger *logrus.Logger) *EventRelayWorker {
	return &EventRelayWorker{Pipeline: pipeline, BatchSize: 200, Logger: logger}
}

func (ew *EventRelayWorker) Name() string { return "events" }

func (ew *EventRelayWorker) RunOnce(ctx context.Context) error {
	n, err := ew.Pipeline.RelayPendingEvents(ctx, ew.BatchSize)
	if n > 0 {
		ew.Logger.WithField("published", n).Info("Relayed pending stage events")
	}
	return err
}
