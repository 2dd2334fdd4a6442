package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/testutil"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *gorm.DB
	clock    *utils.MockClock
	bus      *events.Bus
	exec     *recordingExecutor
	pipeline *PipelineService
	orch     *Orchestrator
	followup *FollowupService
	signals  *SignalService
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	clock := utils.NewMockClock(epoch)
	logger := quietLogger()
	bus := events.NewBus(logger)
	exec := &recordingExecutor{}

	return &fixture{
		db:       db,
		clock:    clock,
		bus:      bus,
		exec:     exec,
		pipeline: NewPipelineService(db, clock, bus, logger, DefaultPipelineConfig()),
		orch:     NewOrchestrator(db, exec, clock, logger),
		followup: NewFollowupService(db, clock, nil, logger, DefaultFollowupConfig()),
		signals:  NewSignalService(db, clock, logger, DefaultEngagementPoints()),
	}
}

func (f *fixture) customer(t *testing.T, stage models.PipelineStage, mutate ...func(*models.Customer)) *models.Customer {
	t.Helper()
	c := &models.Customer{
		TenantID:       1,
		Name:           "Ada",
		Email:          "ada@example.com",
		Phone:          "+15550100",
		PipelineStage:  stage,
		StageEnteredAt: f.clock.Now(),
		EmailOptIn:     true,
		SMSOptIn:       true,
		PhoneOptIn:     true,
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, f.db.Create(c).Error)
	return c
}

func (f *fixture) template(t *testing.T, stage models.PipelineStage, duration int, actions ...models.TimelineAction) *models.TimelineTemplate {
	t.Helper()
	for i := range actions {
		actions[i].IsActive = true
		if actions[i].Channel == "" {
			actions[i].Channel = models.ChannelEmail
		}
		if actions[i].ActionType == "" {
			actions[i].ActionType = "send_email"
		}
	}
	tpl := &models.TimelineTemplate{
		Name:          string(stage) + " plan",
		Version:       1,
		PipelineStage: stage,
		DurationDays:  duration,
		IsActive:      true,
		Actions:       actions,
	}
	require.NoError(t, f.db.Create(tpl).Error)
	return tpl
}

func (f *fixture) ledger(t *testing.T, progressID uint) *models.TimelineProgress {
	t.Helper()
	var p models.TimelineProgress
	require.NoError(t, f.db.Preload("Actions").First(&p, progressID).Error)
	return &p
}

// recordingExecutor counts calls per action and can be told to fail or panic
type recordingExecutor struct {
	mu     sync.Mutex
	calls  []uint
	fail   map[uint]error
	panics map[uint]bool
	hook   func(action *models.TimelineAction)
}

func (e *recordingExecutor) Execute(_ context.Context, _ *models.Customer, action *models.TimelineAction, _ uint) (ActionOutcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, action.ID)
	err := e.fail[action.ID]
	shouldPanic := e.panics[action.ID]
	hook := e.hook
	e.mu.Unlock()

	if hook != nil {
		hook(action)
	}
	if shouldPanic {
		panic("provider exploded")
	}
	if err != nil {
		return ActionOutcome{}, err
	}
	return ActionOutcome{Status: OutcomeSent, ExternalID: "ext-" + action.ActionType}, nil
}

func (e *recordingExecutor) Calls() []uint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint(nil), e.calls...)
}
