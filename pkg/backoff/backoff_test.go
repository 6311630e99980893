package backoff

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestViolationDoublingUncapped(t *testing.T) {
	var st State
	want := []int{600, 1200, 2400, 4800, 9600, 19200}

	// Doubling keys off the rate-limited flag, which only a success
	// clears, so the streak grows even across elapsed windows.
	now := t0
	for i, secs := range want {
		st = st.OnViolation(now)
		assert.Equal(t, secs, st.BackoffSeconds, "violation %d", i+1)
		assert.Equal(t, i+1, st.ConsecutiveViolations)
		assert.Equal(t, now.Add(time.Duration(secs)*time.Second), st.BackoffUntil)
		assert.True(t, st.RateLimited)
		now = st.BackoffUntil.Add(time.Second)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	var st State
	st = st.OnViolation(t0)
	st = st.OnViolation(t0.Add(time.Minute))
	require.Equal(t, 2, st.ConsecutiveViolations)

	st = st.OnSuccess(t0.Add(2 * time.Minute))
	assert.Equal(t, 0, st.ConsecutiveViolations)
	assert.False(t, st.RateLimited)
	assert.Equal(t, 0, st.BackoffSeconds)

	// The streak restarts from the base after a success.
	st = st.OnViolation(t0.Add(3 * time.Minute))
	assert.Equal(t, 600, st.BackoffSeconds)
	assert.Equal(t, 1, st.ConsecutiveViolations)
}

func TestDecide(t *testing.T) {
	var st State
	d := Decide(st, t0)
	assert.True(t, d.Allow)

	st = st.OnViolation(t0)
	d = Decide(st, t0.Add(time.Minute))
	assert.False(t, d.Allow)
	assert.Equal(t, st.BackoffUntil, d.Until)

	// Window elapsed: allowed again without any state mutation.
	d = Decide(st, st.BackoffUntil.Add(time.Second))
	assert.True(t, d.Allow)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), time.Second)

	st, err := s.Get(ctx, "glo90")
	require.NoError(t, err)
	assert.Equal(t, State{}, st)

	st, err = s.Update(ctx, "glo90", func(st State) State {
		return st.OnViolation(t0)
	})
	require.NoError(t, err)
	assert.Equal(t, 600, st.BackoffSeconds)

	back, err := s.Get(ctx, "glo90")
	require.NoError(t, err)
	assert.Equal(t, st, back)
}

func TestStoreStateFileShape(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir, time.Second)

	_, err := s.Update(ctx, "srtm3", func(st State) State {
		return st.OnViolation(t0)
	})
	require.NoError(t, err)

	// One JSON record per provider with the documented field names.
	data, err := os.ReadFile(filepath.Join(dir, "srtm3.json"))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"rate_limited", "backoff_until", "backoff_seconds", "consecutive_violations", "last_request_time"} {
		assert.Contains(t, raw, key)
	}
}

func TestStoreLockTimeout(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 150*time.Millisecond)

	// Hold the advisory lock from "another process".
	blocker := NewStore(dir, time.Second)
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = blocker.withLock(context.Background(), "glo90", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := s.Get(context.Background(), "glo90")
	var lte *LockTimeoutError
	require.ErrorAs(t, err, &lte)
	assert.Equal(t, "glo90", lte.Source)

	close(release)
}

func TestCoordinatorFlow(t *testing.T) {
	ctx := context.Background()
	now := t0
	c := NewCoordinator(NewStore(t.TempDir(), time.Second), time.Millisecond, func() time.Time { return now })

	d, err := c.Check(ctx, "glo90")
	require.NoError(t, err)
	assert.True(t, d.Allow)

	_, err = c.RecordViolation(ctx, "glo90")
	require.NoError(t, err)

	d, err = c.Check(ctx, "glo90")
	require.NoError(t, err)
	assert.False(t, d.Allow)

	// Advance the injected clock past the window.
	now = now.Add(601 * time.Second)
	d, err = c.Check(ctx, "glo90")
	require.NoError(t, err)
	assert.True(t, d.Allow)

	_, err = c.RecordSuccess(ctx, "glo90")
	require.NoError(t, err)
	st, err := c.Check(ctx, "glo90")
	require.NoError(t, err)
	assert.True(t, st.Allow)
}

func TestCoordinatorMinSpacing(t *testing.T) {
	c := NewCoordinator(NewStore(t.TempDir(), time.Second), 50*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, c.Wait(context.Background(), "glo90"))
	require.NoError(t, c.Wait(context.Background(), "glo90"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	// Independent sources do not share spacing.
	start = time.Now()
	require.NoError(t, c.Wait(context.Background(), "srtm3"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}
