package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrender/dispatch/internal/backend"
)

func TestWatchdogForceReleasesStalledBackend(t *testing.T) {
	cfg := testSettings()
	cfg.MaxTimeout = 50 * time.Millisecond
	d := New(cfg)
	d.WatchdogInterval = 10 * time.Millisecond
	rec, _ := addRunning(t, d, "a", "")

	access, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.RunWatchdog(ctx)
	}()

	require.Eventually(t, access.Stalled, 2*time.Second, 10*time.Millisecond,
		"watchdog never declared the silent backend stalled")
	assert.Equal(t, backend.StatusErrored, rec.Status())
	assert.False(t, rec.Busy(), "stalled backend must be force-released")

	cancel()
	<-done
}

func TestWatchdogSparesActiveBackend(t *testing.T) {
	cfg := testSettings()
	cfg.MaxTimeout = 80 * time.Millisecond
	d := New(cfg)
	d.WatchdogInterval = 10 * time.Millisecond
	rec, _ := addRunning(t, d, "a", "")

	access, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Second})
	require.NoError(t, err)
	defer access.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.RunWatchdog(ctx)
	}()

	// Keep touching past several thresholds; the backend must stay claimed.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		access.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, access.Stalled())
	assert.Equal(t, backend.StatusRunning, rec.Status())
	assert.True(t, rec.Busy())

	cancel()
	<-done
}

func TestWithStallCancelsContext(t *testing.T) {
	cfg := testSettings()
	d := New(cfg)
	addRunning(t, d, "a", "")

	access, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Second})
	require.NoError(t, err)

	ctx, cancel := access.WithStall(context.Background())
	defer cancel()
	access.forceStall()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("stall did not cancel the stream context")
	}
	assert.True(t, access.Stalled())
}

func TestReleaseIsIdempotent(t *testing.T) {
	d := New(testSettings())
	rec, _ := addRunning(t, d, "a", "")

	access, err := d.Acquire(context.Background(), AcquireOptions{Timeout: time.Second})
	require.NoError(t, err)
	access.Release()
	access.Release()
	assert.False(t, rec.Busy())
	assert.Equal(t, 0, rec.Outstanding())
}
