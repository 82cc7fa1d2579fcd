package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/claims"
	"github.com/lucidrender/dispatch/internal/config"
	"github.com/lucidrender/dispatch/internal/dispatch"
)

// streamFunc is a scripted GenerateStream implementation.
type streamFunc func(ctx context.Context, req backend.GenerateRequest, sink backend.Sink) (backend.Outcome, error)

type scriptedDriver struct {
	stream streamFunc
}

func (s *scriptedDriver) Init(ctx context.Context) error     { return nil }
func (s *scriptedDriver) Shutdown(ctx context.Context) error { return nil }
func (s *scriptedDriver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	return true, nil
}
func (s *scriptedDriver) SupportedFeatures() []string { return nil }

func (s *scriptedDriver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	return s.stream(ctx, req, sink)
}

func emitImages(n int) streamFunc {
	return func(ctx context.Context, req backend.GenerateRequest, sink backend.Sink) (backend.Outcome, error) {
		for i := 0; i < n; i++ {
			if err := sink(backend.StreamItem{Progress: map[string]any{"current": i + 1, "total": n}}); err != nil {
				return backend.OutcomeDone, err
			}
			if err := sink(backend.StreamItem{Image: "img"}); err != nil {
				return backend.OutcomeDone, err
			}
		}
		return backend.OutcomeDone, nil
	}
}

// memorySession records saves in memory.
type memorySession struct {
	mu     sync.Mutex
	images []string
}

func (m *memorySession) ApplyMetadata(ctx context.Context, image string, req backend.GenerateRequest, index int) (string, string, error) {
	return image, "meta", nil
}

func (m *memorySession) SaveImage(ctx context.Context, batchID string, index int, image, metadata string) error {
	m.mu.Lock()
	m.images = append(m.images, image)
	m.mu.Unlock()
	return nil
}

func (m *memorySession) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images)
}

// recorder collects emitted updates.
type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) emit(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		if u.Status != "" {
			out = append(out, u.Status)
		}
	}
	return out
}

func (r *recorder) imageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Image != "" {
			n++
		}
	}
	return n
}

func testSettings() config.Settings {
	return config.Settings{
		MaxInitAttempts:   1,
		MaxTimeout:        time.Minute,
		PerRequestTimeout: time.Minute,
	}
}

func addRunning(t *testing.T, d *dispatch.Dispatcher, id, model string, stream streamFunc) *backend.Record {
	t.Helper()
	rec := backend.NewRecord(id, "scripted", nil, true)
	require.NoError(t, d.Add(rec, &scriptedDriver{stream: stream}))
	require.NoError(t, rec.SetStatus(backend.StatusLoading))
	require.NoError(t, rec.SetStatus(backend.StatusRunning))
	if model != "" {
		rec.SetCurrentModel(model)
	}
	return rec
}

func newClaim(t *testing.T) *claims.Claim {
	t.Helper()
	cl := claims.New(nil)
	require.NoError(t, cl.Extend(claims.Gens, 1))
	return cl
}

func TestRunHappyPath(t *testing.T) {
	d := dispatch.New(testSettings())
	rec := addRunning(t, d, "a", "sdxl", emitImages(2))
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	sess := &memorySession{}
	rc := &recorder{}
	err := r.Run(context.Background(), backend.GenerateRequest{Prompt: "a cat", Model: "sdxl", Images: 2}, "batch-1", cl, sess, rc.emit)
	require.NoError(t, err)

	assert.Equal(t, 2, sess.saved())
	assert.Equal(t, 2, rc.imageCount())
	assert.Equal(t, []string{"queued", "generating", "done"}, rc.statuses())
	assert.True(t, cl.IsComplete(), "all claim counters must return to zero")
	assert.False(t, rec.Busy(), "backend must be released")
}

func TestRunSignalsModelLoad(t *testing.T) {
	d := dispatch.New(testSettings())
	addRunning(t, d, "a", "anime-v3", emitImages(1))
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	rc := &recorder{}
	err := r.Run(context.Background(), backend.GenerateRequest{Model: "sdxl"}, "batch-1", cl, &memorySession{}, rc.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"queued", "loading model", "generating", "done"}, rc.statuses())
	assert.Equal(t, "sdxl", d.Record("a").CurrentModel())
}

func TestRunRedirect(t *testing.T) {
	d := dispatch.New(testSettings())
	var calls atomic.Int32
	addRunning(t, d, "a", "", func(ctx context.Context, req backend.GenerateRequest, sink backend.Sink) (backend.Outcome, error) {
		if calls.Add(1) == 1 {
			return backend.OutcomeRedirect, nil
		}
		return emitImages(1)(ctx, req, sink)
	})
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	sess := &memorySession{}
	rc := &recorder{}
	err := r.Run(context.Background(), backend.GenerateRequest{Prompt: "a cat"}, "batch-1", cl, sess, rc.emit)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "redirect must re-enter acquisition")
	assert.Equal(t, 1, sess.saved())
	assert.True(t, cl.IsComplete(), "gens must absorb the redirect extension")
}

func TestRunPreGenerateRefusal(t *testing.T) {
	d := dispatch.New(testSettings())
	addRunning(t, d, "a", "", emitImages(1))
	d.RegisterPreGenerate(func(ctx context.Context, ev dispatch.PreGenerateEvent) error {
		return &backend.UserError{Msg: "prompt rejected"}
	})
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	rc := &recorder{}
	err := r.Run(context.Background(), backend.GenerateRequest{Prompt: "bad"}, "batch-1", cl, &memorySession{}, rc.emit)

	var ue *backend.UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "prompt rejected", backend.UserMessage(err))
	assert.Empty(t, rc.statuses(), "refusal happens before any queueing")
	assert.True(t, cl.IsComplete())
}

func TestRunPostImageRefusalDiscardsImage(t *testing.T) {
	d := dispatch.New(testSettings())
	addRunning(t, d, "a", "", emitImages(2))
	var seen atomic.Int32
	d.RegisterPostImage(func(ctx context.Context, ev dispatch.PostImageEvent, refuse func(string)) {
		if seen.Add(1) == 1 {
			refuse("nsfw")
		}
	})
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	sess := &memorySession{}
	rc := &recorder{}
	err := r.Run(context.Background(), backend.GenerateRequest{Images: 2}, "batch-1", cl, sess, rc.emit)
	require.NoError(t, err)

	assert.Equal(t, 1, sess.saved(), "refused image must not be saved")
	assert.Equal(t, 1, rc.imageCount(), "refused image must not be emitted")
	assert.True(t, cl.IsComplete())
}

func TestRunAcquireTimeout(t *testing.T) {
	d := dispatch.New(testSettings())
	r := &Runner{Dispatcher: d, AcquireTimeout: 50 * time.Millisecond}

	cl := newClaim(t)
	err := r.Run(context.Background(), backend.GenerateRequest{}, "batch-1", cl, &memorySession{}, func(Update) {})
	assert.ErrorIs(t, err, backend.ErrTimeout)
	assert.Equal(t, backend.MsgAllBusy, backend.UserMessage(err))
	assert.True(t, cl.IsComplete())
}

func TestRunCancelledMidStream(t *testing.T) {
	d := dispatch.New(testSettings())
	rec := addRunning(t, d, "a", "", func(ctx context.Context, req backend.GenerateRequest, sink backend.Sink) (backend.Outcome, error) {
		<-ctx.Done()
		return backend.OutcomeDone, ctx.Err()
	})
	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}

	cl := newClaim(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cl.Cancel()
	}()
	err := r.Run(context.Background(), backend.GenerateRequest{}, "batch-1", cl, &memorySession{}, func(Update) {})

	assert.ErrorIs(t, err, backend.ErrCancelled)
	assert.Empty(t, backend.UserMessage(err), "cancellations are swallowed")
	assert.False(t, rec.Busy())
	assert.True(t, cl.IsComplete())
}

func TestRunStalledBackend(t *testing.T) {
	cfg := testSettings()
	cfg.MaxTimeout = 50 * time.Millisecond
	d := dispatch.New(cfg)
	d.WatchdogInterval = 10 * time.Millisecond
	rec := addRunning(t, d, "a", "", func(ctx context.Context, req backend.GenerateRequest, sink backend.Sink) (backend.Outcome, error) {
		<-ctx.Done()
		return backend.OutcomeDone, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		_ = d.RunWatchdog(ctx)
	}()
	defer func() { cancel(); <-watchdogDone }()

	r := &Runner{Dispatcher: d, AcquireTimeout: time.Second}
	cl := newClaim(t)
	err := r.Run(context.Background(), backend.GenerateRequest{}, "batch-1", cl, &memorySession{}, func(Update) {})

	assert.ErrorIs(t, err, backend.ErrBackendStalled)
	assert.Equal(t, backend.MsgInternal, backend.UserMessage(err))
	assert.Equal(t, backend.StatusErrored, rec.Status())
	assert.True(t, cl.IsComplete())
}

func TestFeatureFilter(t *testing.T) {
	rec := backend.NewRecord("a", "local", nil, true)
	rec.SetFeatures([]string{"hires", "inpaint"})

	assert.True(t, FeatureFilter(nil)(rec))
	assert.True(t, FeatureFilter([]string{"hires"})(rec))
	assert.True(t, FeatureFilter([]string{"hires", "inpaint"})(rec))
	assert.False(t, FeatureFilter([]string{"hires", "video"})(rec))
}

func TestTimingReport(t *testing.T) {
	assert.Equal(t, "1.50 (prep) and 4.00 (gen) seconds", timingReport(1.5, 4, 1))
	assert.Equal(t, "1.00 (prep) and 2.00 (gen) seconds", timingReport(2, 4, 2))
}
