package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2023, 9, 6, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sleeper advances the fake clock instead of blocking.
func (c *fakeClock) sleeper(slept *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		c.Advance(d)
		return ctx.Err()
	}
}

func TestSixthRapidRequestDenied(t *testing.T) {
	clock := newFakeClock()
	l := New(DefaultConfig(), WithClock(clock))
	for i := 0; i < 5; i++ {
		l.Record("X", fmt.Sprintf("sig-%d", i))
		clock.Advance(150 * time.Millisecond)
	}
	assert.False(t, l.CanAdmit("X", "sig-5"))
}

func TestEntityBurstRule(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	l := New(cfg, WithClock(clock))
	for i := 0; i < 5; i++ {
		require.True(t, l.CanAdmit("X", fmt.Sprintf("s%d", i)))
		l.Record("X", fmt.Sprintf("s%d", i))
		clock.Advance(100 * time.Millisecond)
	}
	assert.False(t, l.CanAdmit("X", "s5"))
	assert.True(t, l.CanAdmit("Y", "s5"), "other entities are not affected")
	assert.Equal(t, 2*time.Second, l.WaitHint("X", "s5"))

	clock.Advance(2 * time.Second)
	assert.True(t, l.CanAdmit("X", "s5"))
}

func TestDuplicateSuppression(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	l := New(cfg, WithClock(clock))

	l.Record("X", "same")
	clock.Advance(14 * time.Second)
	assert.False(t, l.CanAdmit("X", "same"))
	assert.True(t, l.CanAdmit("X", "different"))
	assert.True(t, l.CanAdmit("Y", "same"), "duplicate key includes the entity")

	clock.Advance(time.Second)
	assert.True(t, l.CanAdmit("X", "same"))
}

func TestGlobalWindowRule(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	l := New(cfg, WithClock(clock))
	for i := 0; i < 50; i++ {
		l.Record(fmt.Sprintf("E%d", i), "s")
		clock.Advance(time.Second)
	}
	assert.False(t, l.CanAdmit("fresh", "s"))
	assert.Equal(t, 60*time.Second, l.WaitHint("fresh", "s"))

	// the first record leaves the 10 minute window after 600s
	clock.Advance(10*time.Minute - 50*time.Second)
	assert.True(t, l.CanAdmit("fresh", "s"))
	assert.Equal(t, 49, l.Snapshot().InGlobalWindow)
}

func TestMinIntervalHint(t *testing.T) {
	clock := newFakeClock()
	l := New(DefaultConfig(), WithClock(clock))
	assert.True(t, l.CanAdmit("X", "a"))
	assert.Equal(t, time.Duration(0), l.WaitHint("X", "a"))

	l.Record("X", "a")
	clock.Advance(time.Second)
	assert.False(t, l.CanAdmit("Y", "b"))
	assert.Equal(t, 2*time.Second, l.WaitHint("Y", "b"))
}

func TestWaitCoversDuplicateWindow(t *testing.T) {
	clock := newFakeClock()
	var slept []time.Duration
	l := New(DefaultConfig(), WithClock(clock), WithSleep(clock.sleeper(&slept)))

	l.Record("X", "same")
	require.NoError(t, l.Wait(context.Background(), "X", "same"))
	require.Len(t, slept, 1)
	assert.Equal(t, 15*time.Second, slept[0])
	assert.True(t, l.CanAdmit("X", "same"))
}

func TestWaitExhausted(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MaxWaits = 2
	l := New(cfg, WithClock(clock), WithSleep(func(context.Context, time.Duration) error { return nil }))
	l.Record("X", "a")

	err := l.Wait(context.Background(), "X", "b")
	assert.ErrorIs(t, err, ErrWaitExhausted)
	snap := l.Snapshot()
	assert.Equal(t, int64(2), snap.Waits)
	assert.Equal(t, int64(3), snap.Denied)
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(DefaultConfig())
	l.Record("X", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, "X", "b"), context.Canceled)
}

func TestRecordPurgesOldEntries(t *testing.T) {
	clock := newFakeClock()
	l := New(DefaultConfig(), WithClock(clock))
	l.Record("X", "a")
	clock.Advance(16 * time.Minute)
	l.Record("X", "b")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.records, 1)
}

func TestWindowInvariantUnderAdmission(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MinInterval = 0
	l := New(cfg, WithClock(clock))
	for i := 0; i < 500; i++ {
		entity := fmt.Sprintf("E%d", i%3)
		sig := fmt.Sprintf("s%d", i)
		if l.CanAdmit(entity, sig) {
			l.Record(entity, sig)
		}
		clock.Advance(700 * time.Millisecond)

		now := clock.Now()
		l.mu.Lock()
		global := 0
		perEntity := map[string]int{}
		for _, r := range l.records {
			if now.Sub(r.at) < cfg.GlobalWindow {
				global++
			}
			if now.Sub(r.at) < cfg.EntityWindow {
				perEntity[r.entity]++
			}
		}
		l.mu.Unlock()
		require.LessOrEqual(t, global, 50)
		for _, n := range perEntity {
			require.LessOrEqual(t, n, 5)
		}
	}
}
