package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

// Job is one pass of a periodic worker
type Job interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Run calls job every interval until ctx is done. A panic or error in one
// pass is logged and the loop keeps going.
func Run(ctx context.Context, job Job, interval, initialDelay time.Duration, logger *logrus.Logger) {
	if initialDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialDelay):
		}
	}

	logger.WithFields(logrus.Fields{"worker": job.Name(), "interval": interval.String()}).Info("Worker started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runPass(ctx, job, logger)
	for {
		select {
		case <-ctx.Done():
			logger.WithField("worker", job.Name()).Info("Worker shutting down...")
			return
		case <-ticker.C:
			runPass(ctx, job, logger)
		}
	}
}

func runPass(ctx context.Context, job Job, logger *logrus.Logger) {
	defer func() {
		if r := recover(); r != nil {
			utils.LogError("worker_panic", fmt.Errorf("%v", r), map[string]interface{}{"worker": job.Name()})
		}
	}()

	start := time.Now()
	if err := job.RunOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		utils.LogError("worker_pass_failed", err, map[string]interface{}{"worker": job.Name()})
		return
	}
	logger.WithFields(logrus.Fields{
		"worker":   job.Name(),
		"duration": utils.FormatDuration(time.Since(start)),
	}).Debug("Worker pass finished")
}
