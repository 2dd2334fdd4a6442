package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/services"
	"github.com/shinejohn/CRM-CC-LC-sub004/testutil"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type countingJob struct {
	runs  int32
	err   error
	panic bool
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) RunOnce(context.Context) error {
	atomic.AddInt32(&j.runs, 1)
	if j.panic {
		panic("boom")
	}
	return j.err
}

func runUntil(t *testing.T, job *countingJob, passes int32) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, job, 5*time.Millisecond, 0, quietLogger())
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&job.runs) >= passes }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	runUntil(t, &countingJob{}, 3)
}

func TestRunSurvivesFailingPasses(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	runUntil(t, &countingJob{err: errors.New("db down")}, 2)
	runUntil(t, &countingJob{panic: true}, 2)
}

func TestRunHonoursInitialDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	job := &countingJob{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Run(ctx, job, time.Millisecond, time.Hour, quietLogger())
	assert.Zero(t, atomic.LoadInt32(&job.runs))
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client), mr
}

func TestRedisLockerExcludes(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("crm:lock:customer:1"))

	_, ok, err = locker.Acquire(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = locker.Acquire(ctx, "customer:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	release()
	assert.False(t, mr.Exists("crm:lock:customer:1"))
	_, ok, err = locker.Acquire(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerReleaseKeepsNewerHolder(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	staleRelease, ok, err := locker.Acquire(ctx, "customer:1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.Acquire(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	staleRelease()
	_, ok, err = locker.Acquire(ctx, "customer:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLockerUnavailable(t *testing.T) {
	locker, mr := newRedisLocker(t)
	mr.Close()

	_, ok, err := locker.Acquire(context.Background(), "customer:1", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, ok, _ := locker.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	_, ok, _ = locker.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)
	release()
	_, ok, _ = locker.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)

	expired, ok, _ := locker.Acquire(ctx, "short", time.Nanosecond)
	require.True(t, ok)
	time.Sleep(time.Millisecond)
	_, ok, _ = locker.Acquire(ctx, "short", time.Minute)
	require.True(t, ok)
	expired()
	_, ok, _ = locker.Acquire(ctx, "short", time.Minute)
	assert.False(t, ok)
}

type stack struct {
	db       *gorm.DB
	clock    *utils.MockClock
	pipeline *services.PipelineService
	orch     *services.Orchestrator
	calls    int32
}

func newStack(t *testing.T) *stack {
	t.Helper()
	db := testutil.NewDB(t)
	clock := utils.NewMockClock(epoch)
	logger := quietLogger()
	s := &stack{db: db, clock: clock}
	exec := services.ExecutorFunc(func(context.Context, *models.Customer, *models.TimelineAction, uint) (services.ActionOutcome, error) {
		atomic.AddInt32(&s.calls, 1)
		return services.ActionOutcome{Status: services.OutcomeSent}, nil
	})
	s.pipeline = services.NewPipelineService(db, clock, nil, logger, services.DefaultPipelineConfig())
	s.orch = services.NewOrchestrator(db, exec, clock, logger)
	return s
}

func (s *stack) customerOnTimeline(t *testing.T, score int) *models.Customer {
	t.Helper()
	c := &models.Customer{
		TenantID:        1,
		Name:            "Lin",
		Email:           "lin@example.com",
		PipelineStage:   models.StageHook,
		StageEnteredAt:  s.clock.Now(),
		EngagementScore: score,
		EmailOptIn:      true,
	}
	require.NoError(t, s.db.Create(c).Error)

	tpl := &models.TimelineTemplate{
		Name:          "hook plan",
		Version:       1,
		PipelineStage: models.StageHook,
		DurationDays:  2,
		IsActive:      true,
		Actions: []models.TimelineAction{
			{DayNumber: 1, Channel: models.ChannelEmail, ActionType: "send_email", IsActive: true},
			{DayNumber: 2, Channel: models.ChannelEmail, ActionType: "send_email", IsActive: true},
		},
	}
	require.NoError(t, s.db.Create(tpl).Error)
	_, err := s.orch.StartTimeline(context.Background(), c, tpl)
	require.NoError(t, err)
	return c
}

func TestTimelineWorkerProcessesEveryCustomer(t *testing.T) {
	s := newStack(t)
	s.customerOnTimeline(t, 0)
	s.customerOnTimeline(t, 0)
	s.customerOnTimeline(t, 0)

	tw := NewTimelineWorker(s.orch, s.pipeline, NewLocalLocker(), quietLogger())
	tw.Concurrency = 2

	report, err := tw.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Customers)
	assert.Equal(t, int64(3), report.Actions)
	assert.Equal(t, int32(3), atomic.LoadInt32(&s.calls))

	report, err = tw.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Actions)
	assert.Equal(t, int32(3), atomic.LoadInt32(&s.calls))
}

func TestTimelineWorkerSkipsLockedCustomer(t *testing.T) {
	s := newStack(t)
	busy := s.customerOnTimeline(t, 0)
	s.customerOnTimeline(t, 0)

	locker := NewLocalLocker()
	release, ok, _ := locker.Acquire(context.Background(), customerLockKey(busy.ID), time.Minute)
	require.True(t, ok)
	defer release()

	report, err := NewTimelineWorker(s.orch, s.pipeline, locker, quietLogger()).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Busy)
	assert.Equal(t, int64(1), report.Customers)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.calls))
}

func TestTimelineWorkerAppliesThresholds(t *testing.T) {
	s := newStack(t)
	onTimeline := s.customerOnTimeline(t, 80)

	idle := &models.Customer{TenantID: 1, Name: "Idle", PipelineStage: models.StageHook, StageEnteredAt: s.clock.Now(), EngagementScore: 55}
	require.NoError(t, s.db.Create(idle).Error)
	cold := &models.Customer{TenantID: 1, Name: "Cold", PipelineStage: models.StageHook, StageEnteredAt: s.clock.Now(), EngagementScore: 10}
	require.NoError(t, s.db.Create(cold).Error)

	report, err := NewTimelineWorker(s.orch, s.pipeline, NewLocalLocker(), quietLogger()).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Moved)

	for id, want := range map[uint]models.PipelineStage{
		onTimeline.ID: models.StageEngagement,
		idle.ID:       models.StageEngagement,
		cold.ID:       models.StageHook,
	} {
		var c models.Customer
		require.NoError(t, s.db.First(&c, id).Error)
		assert.Equal(t, want, c.PipelineStage, c.Name)
	}
}

func TestDayTickWorker(t *testing.T) {
	s := newStack(t)
	c := s.customerOnTimeline(t, 0)
	trialEnds := epoch.Add(time.Hour)
	require.NoError(t, s.db.Model(c).Updates(map[string]interface{}{
		"trial_active":  true,
		"trial_ends_at": trialEnds,
	}).Error)

	dw := NewDayTickWorker(s.orch, s.pipeline, quietLogger())
	assert.Equal(t, "day-tick", dw.Name())

	s.clock.Advance(24 * time.Hour)
	require.NoError(t, dw.RunOnce(context.Background()))

	var progress models.TimelineProgress
	require.NoError(t, s.db.Where("customer_id = ?", c.ID).First(&progress).Error)
	assert.Equal(t, 2, progress.CurrentDay)

	var stored models.Customer
	require.NoError(t, s.db.First(&stored, c.ID).Error)
	assert.Equal(t, 1, stored.DaysInStage)
	assert.False(t, stored.TrialActive)

	s.clock.Advance(24 * time.Hour)
	require.NoError(t, dw.RunOnce(context.Background()))
	require.NoError(t, s.db.First(&progress, progress.ID).Error)
	assert.Equal(t, models.ProgressCompleted, progress.Status)
}

func TestFollowupAndRelayWorkers(t *testing.T) {
	s := newStack(t)
	c := s.customerOnTimeline(t, 0)
	c.Phone = "+15550199"
	c.SMSOptIn = true
	require.NoError(t, s.db.Save(c).Error)

	followups := services.NewFollowupService(s.db, s.clock, nil, quietLogger(), services.DefaultFollowupConfig())
	_, err := followups.RecordEmailSend(context.Background(), c.ID, nil, nil, "m-1", "Hello")
	require.NoError(t, err)
	s.clock.Advance(49 * time.Hour)

	fw := NewFollowupWorker(followups, 48, quietLogger())
	require.NoError(t, fw.RunOnce(context.Background()))

	var send models.EmailSend
	require.NoError(t, s.db.Where("message_id = ?", "m-1").First(&send).Error)
	assert.Equal(t, models.StrategySendSMS, send.FollowupStrategy)

	ew := NewEventRelayWorker(s.pipeline, quietLogger())
	require.NoError(t, ew.RunOnce(context.Background()))
}

func TestTimelineWorkerConcurrentPasses(t *testing.T) {
	s := newStack(t)
	for i := 0; i < 4; i++ {
		s.customerOnTimeline(t, 0)
	}

	locker := NewLocalLocker()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tw := NewTimelineWorker(s.orch, s.pipeline, locker, quietLogger())
			_, err := tw.Process(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(4), atomic.LoadInt32(&s.calls))
}
