package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"histfetch/internal/config/loader"
	"histfetch/internal/fetch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrigger struct {
	mu    sync.Mutex
	calls int
	busy  bool
}

func (f *fakeTrigger) StartAsync(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.busy {
		return "", fetch.ErrRunInProgress
	}
	return "run", nil
}

func (f *fakeTrigger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunOnStartAndStop(t *testing.T) {
	tr := &fakeTrigger{}
	s, err := New(tr, Options{Cron: "0 3 * * *", RunOnStart: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, func() bool { return tr.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	triggered, skipped := s.Counts()
	assert.Equal(t, 1, triggered)
	assert.Equal(t, 0, skipped)
}

func TestBusyRunIsSkipped(t *testing.T) {
	tr := &fakeTrigger{busy: true}
	s, err := New(tr, Options{})
	require.NoError(t, err)
	s.fire("test")
	triggered, skipped := s.Counts()
	assert.Equal(t, 0, triggered)
	assert.Equal(t, 1, skipped)
}

func TestInvalidCron(t *testing.T) {
	_, err := New(&fakeTrigger{}, Options{Cron: "every minute"})
	assert.Error(t, err)
	_, err = New(nil, Options{})
	assert.Error(t, err)
}

func TestEntityChangeTriggersRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	write := func(until string) {
		body := "entities:\n  - id: BTC\n    symbol: BTCUSDT\n    valid_from: \"2024-01-01\"\n    valid_until: \"" + until + "\"\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("2024-02-01")
	l, err := loader.NewEntityLoader(path, loader.Options{Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Watch())

	tr := &fakeTrigger{}
	s, err := New(tr, Options{WatchEntities: true})
	require.NoError(t, err)
	s.Attach(l)

	write("2024-03-01")
	assert.Eventually(t, func() bool { return tr.count() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
