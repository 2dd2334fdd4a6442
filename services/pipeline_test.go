package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinejohn/CRM-CC-LC-sub004/events"
	"github.com/shinejohn/CRM-CC-LC-sub004/models"
)

func TestEngagementThresholdMovesHookToEngagement(t *testing.T) {
	f := newFixture(t)
	stream, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	c := f.customer(t, models.StageHook, func(c *models.Customer) { c.EngagementScore = 55 })

	moved, err := f.pipeline.CheckEngagementThreshold(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, models.StageEngagement, c.PipelineStage)

	history, err := f.pipeline.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StageHook, history[0].FromStage)
	assert.Equal(t, models.StageEngagement, history[0].ToStage)
	assert.Equal(t, TriggerEngagementThreshold, history[0].Trigger)

	select {
	case ev := <-stream:
		assert.Equal(t, c.ID, ev.CustomerID)
		assert.Equal(t, models.StageHook, ev.From)
		assert.Equal(t, models.StageEngagement, ev.To)
		assert.Equal(t, TriggerEngagementThreshold, ev.Trigger)
	default:
		t.Fatal("no stage event published")
	}

	var outbox models.PipelineEvent
	require.NoError(t, f.db.First(&outbox).Error)
	assert.NotNil(t, outbox.PublishedAt)

	// the condition still holds on the next tick, but nothing happens
	moved, err = f.pipeline.CheckEngagementThreshold(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestEngagementThresholdBelowScore(t *testing.T) {
	f := newFixture(t)
	c := f.customer(t, models.StageHook, func(c *models.Customer) { c.EngagementScore = 49 })

	moved, err := f.pipeline.CheckEngagementThreshold(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestIllegalTransitionIsRejected(t *testing.T) {
	f := newFixture(t)
	stream, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	c := f.customer(t, models.StageHook)

	moved, err := f.pipeline.Transition(context.Background(), c, models.StageSales, TriggerManual)
	require.NoError(t, err)
	assert.False(t, moved)

	var stored models.Customer
	require.NoError(t, f.db.First(&stored, c.ID).Error)
	assert.Equal(t, models.StageHook, stored.PipelineStage)

	history, err := f.pipeline.History(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, stream)
}

func TestIllegalPairsLeaveStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, from := range models.AllStages() {
		for _, to := range models.AllStages() {
			if models.CanTransition(from, to) {
				continue
			}
			c := f.customer(t, from)
			moved, err := f.pipeline.Transition(ctx, c, to, TriggerManual)
			require.NoError(t, err)
			assert.False(t, moved, "%s -> %s", from, to)

			var stored models.Customer
			require.NoError(t, f.db.First(&stored, c.ID).Error)
			assert.Equal(t, from, stored.PipelineStage)
		}
	}

	var count int64
	f.db.Model(&models.StageTransition{}).Count(&count)
	assert.Zero(t, count)
}

func TestHistoryFidelity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, models.StageHook)

	steps := []struct {
		wait time.Duration
		to   models.PipelineStage
		days int
	}{
		{3*24*time.Hour + 5*time.Hour, models.StageEngagement, 3},
		{10 * time.Hour, models.StageSales, 0},
		{30 * 24 * time.Hour, models.StageRetention, 30},
		{24 * time.Hour, models.StageLost, 1},
	}

	for _, step := range steps {
		f.clock.Advance(step.wait)
		moved, err := f.pipeline.Transition(ctx, c, step.to, TriggerManual)
		require.NoError(t, err)
		require.True(t, moved)
	}

	history, err := f.pipeline.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, len(steps))

	for i, step := range steps {
		assert.Equal(t, i+1, history[i].Sequence)
		assert.Equal(t, step.to, history[i].ToStage)
		assert.Equal(t, step.days, history[i].DaysInPrevious, "step %d", i)
	}

	var stored models.Customer
	require.NoError(t, f.db.First(&stored, c.ID).Error)
	assert.Equal(t, models.StageLost, stored.PipelineStage)
	assert.Equal(t, 0, stored.DaysInStage)
	assert.True(t, f.clock.Now().Equal(stored.StageEnteredAt))
}

func TestTransitionWithStaleCustomerLoses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, models.StageHook)

	stale := *c
	moved, err := f.pipeline.Transition(ctx, c, models.StageEngagement, TriggerManual)
	require.NoError(t, err)
	require.True(t, moved)

	// stale copy still believes the customer is at hook
	moved, err = f.pipeline.Transition(ctx, &stale, models.StageLost, TriggerManual)
	require.NoError(t, err)
	assert.False(t, moved)

	history, err := f.pipeline.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransitionUnknownCustomer(t *testing.T) {
	f := newFixture(t)
	ghost := &models.Customer{PipelineStage: models.StageHook}
	ghost.ID = 999

	_, err := f.pipeline.Transition(context.Background(), ghost, models.StageEngagement, TriggerManual)
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestTrialAcceptanceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, models.StageSales)

	started, err := f.pipeline.HandleTrialAcceptance(ctx, c)
	require.NoError(t, err)
	assert.True(t, started)
	require.NotNil(t, c.TrialStartedAt)
	require.NotNil(t, c.TrialEndsAt)
	assert.True(t, c.TrialStartedAt.Add(90*24*time.Hour).Equal(*c.TrialEndsAt))

	firstEnd := *c.TrialEndsAt
	f.clock.Advance(5 * 24 * time.Hour)

	started, err = f.pipeline.HandleTrialAcceptance(ctx, c)
	require.NoError(t, err)
	assert.False(t, started)

	var stored models.Customer
	require.NoError(t, f.db.First(&stored, c.ID).Error)
	assert.True(t, stored.TrialActive)
	assert.True(t, firstEnd.Equal(*stored.TrialEndsAt))
	assert.True(t, epoch.Equal(*stored.TrialStartedAt))
}

func TestExpireTrials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, models.StageSales)

	_, err := f.pipeline.HandleTrialAcceptance(ctx, c)
	require.NoError(t, err)

	n, err := f.pipeline.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(91 * 24 * time.Hour)
	n, err = f.pipeline.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a lapsed trial can be opened again
	started, err := f.pipeline.HandleTrialAcceptance(ctx, c)
	require.NoError(t, err)
	assert.True(t, started)
}

func TestRefreshDaysInStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.customer(t, models.StageHook)
	f.clock.Advance(2 * 24 * time.Hour)
	b := f.customer(t, models.StageSales)
	f.clock.Advance(24*time.Hour + time.Hour)

	n, err := f.pipeline.RefreshDaysInStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got models.Customer
	require.NoError(t, f.db.First(&got, a.ID).Error)
	assert.Equal(t, 3, got.DaysInStage)
	got = models.Customer{}
	require.NoError(t, f.db.First(&got, b.ID).Error)
	assert.Equal(t, 1, got.DaysInStage)

	n, err = f.pipeline.RefreshDaysInStage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.StageChanged) error {
	return errors.New("broker down")
}

func TestRelayPendingEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, models.StageHook)

	f.pipeline.Publisher = failingPublisher{}
	moved, err := f.pipeline.Transition(ctx, c, models.StageEngagement, TriggerManual)
	require.NoError(t, err)
	require.True(t, moved)

	var outbox models.PipelineEvent
	require.NoError(t, f.db.First(&outbox).Error)
	assert.Nil(t, outbox.PublishedAt)

	stream, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()
	f.pipeline.Publisher = f.bus

	// still inside the grace window
	n, err := f.pipeline.RelayPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.pipeline.RelayPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, stream, 1)

	n, err = f.pipeline.RelayPendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
