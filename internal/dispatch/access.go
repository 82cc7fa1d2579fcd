package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/claims"
)

// WorkerAccess is a scoped hold on one backend. Release is idempotent and
// must run on every exit path; it restores busy=false and wakes waiters.
type WorkerAccess struct {
	rec   *backend.Record
	drv   backend.Driver
	d     *Dispatcher
	claim *claims.Claim

	lastActivity atomic.Int64 // unix nanos
	stall        chan struct{}
	stallOnce    sync.Once
	releaseOnce  sync.Once
}

func newWorkerAccess(d *Dispatcher, rec *backend.Record, drv backend.Driver, cl *claims.Claim) *WorkerAccess {
	a := &WorkerAccess{
		rec:   rec,
		drv:   drv,
		d:     d,
		claim: cl,
		stall: make(chan struct{}),
	}
	a.Touch()
	return a
}

// Record returns the held record.
func (a *WorkerAccess) Record() *backend.Record { return a.rec }

// Driver returns the held record's driver.
func (a *WorkerAccess) Driver() backend.Driver { return a.drv }

// Touch marks backend activity, resetting the inactivity clock.
func (a *WorkerAccess) Touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// idleFor reports how long the backend has been silent.
func (a *WorkerAccess) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, a.lastActivity.Load()))
}

// Stalled reports whether the watchdog force-released this access.
func (a *WorkerAccess) Stalled() bool {
	select {
	case <-a.stall:
		return true
	default:
		return false
	}
}

// WithStall derives a context that is cancelled when the watchdog declares
// the backend stalled.
func (a *WorkerAccess) WithStall(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-a.stall:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// EnsureModel reloads the backend onto modelID when it is not already the
// current model, updating the record on confirmed success.
func (a *WorkerAccess) EnsureModel(ctx context.Context, modelID string) error {
	if modelID == "" || a.rec.CurrentModel() == modelID {
		return nil
	}
	ok, err := a.drv.LoadModel(ctx, modelID)
	if err != nil {
		return err
	}
	if ok {
		a.rec.SetCurrentModel(modelID)
	}
	return nil
}

// Release returns the backend to the pool. Safe to call more than once.
func (a *WorkerAccess) Release() {
	a.releaseOnce.Do(func() {
		a.d.mu.Lock()
		if a.d.accesses[a.rec.ID] == a {
			delete(a.d.accesses, a.rec.ID)
		}
		a.d.mu.Unlock()
		a.rec.Release()
		busyWorkers.Dec()
	})
}

// forceStall is the watchdog's path: mark the access stalled, error the
// record, and tear the claim off the backend.
func (a *WorkerAccess) forceStall() {
	a.stallOnce.Do(func() {
		close(a.stall)
		_ = a.rec.SetStatus(backend.StatusErrored)
		a.Release()
		stalledBackends.Inc()
	})
}
