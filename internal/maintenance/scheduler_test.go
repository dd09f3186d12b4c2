package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/storage"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (r *countingRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return r.err
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestSweepJobEvictsExpiredState(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	counters := storage.NewMemoryCounterStore(clock)
	responses := storage.NewMemoryResponseStore(clock)
	ctx := context.Background()

	_, err := counters.Increment(ctx, "sub:alice", 1, 10, time.Minute)
	require.NoError(t, err)
	require.NoError(t, responses.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	n, err := SweepJob("@every 1m", counters, responses).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, counters.Len())
	assert.Zero(t, responses.Len())
}

func TestRefreshJob(t *testing.T) {
	r := &countingRefresher{}
	n, err := RefreshJob("jwks", "@every 1m", r).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.err = errors.New("idp down")
	_, err = RefreshJob("jwks", "@every 1m", r).Run(context.Background())
	assert.Error(t, err)
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(nopLogger(), RefreshJob("jwks", "every tuesday", &countingRefresher{}))
	assert.Error(t, err)
}

func TestSchedulerRunsJobs(t *testing.T) {
	r := &countingRefresher{}
	skipped := &countingRefresher{}
	s, err := NewScheduler(nopLogger(),
		RefreshJob("jwks", "@every 1s", r),
		RefreshJob("disabled", "", skipped),
	)
	require.NoError(t, err)

	s.RunOnce(context.Background())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Zero(t, skipped.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.False(t, s.NextRun().IsZero())

	require.Eventually(t, func() bool { return r.calls.Load() >= 2 }, 3*time.Second, 50*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
	s.Stop()
}
