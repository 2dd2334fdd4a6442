package worker

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/shinejohn/CRM-CC-LC-sub004/services"
)

// FollowupWorker scans for unopened emails past the threshold
type FollowupWorker struct {
	Followups      *services.FollowupService
	ThresholdHours int
	Logger         *logrus.Logger
}

func NewFollowupWorker(followups *services.FollowupService, thresholdHours int, logger *logrus.Logger) *FollowupWorker {
	return &FollowupWorker{
		Followups:      followups,
		ThresholdHours: thresholdHours,
		Logger:         logger,
	}
}

func (fw *FollowupWorker) Name() string { return "followups" }

func (fw *FollowupWorker) RunOnce(ctx context.Context) error {
	_, err := fw.Followups.CheckUnopenedEmails(ctx, fw.ThresholdHours)
	return err
}
