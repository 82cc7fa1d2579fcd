// Package dispatch matches generation requests to backends, enforcing
// at-most-one generation per backend, fair acquisition with timeouts, and
// the background init/stall machinery around the pool.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/claims"
	"github.com/lucidrender/dispatch/internal/config"
	"github.com/lucidrender/dispatch/internal/log"
)

const initQueueSize = 64

// Dispatcher owns the worker pool. All pool mutations go through Add,
// Remove, and the record mutators; waiters are woken by a broadcast gate
// (all re-scan) so differing filters never lose a wakeup.
type Dispatcher struct {
	cfg config.Settings

	mu       sync.Mutex
	records  map[string]*backend.Record
	drivers  map[string]backend.Driver
	accesses map[string]*WorkerAccess
	gate     chan struct{}

	initCh chan string

	hookMu  sync.RWMutex
	preGen  []PreGenerateHook
	postImg []PostImageHook

	// WatchdogInterval is how often busy backends are checked for stalls.
	// Overridable before the watchdog starts (tests).
	WatchdogInterval time.Duration
}

// New creates a dispatcher with an empty pool.
func New(cfg config.Settings) *Dispatcher {
	return &Dispatcher{
		cfg:              cfg,
		records:          make(map[string]*backend.Record),
		drivers:          make(map[string]backend.Driver),
		accesses:         make(map[string]*WorkerAccess),
		gate:             make(chan struct{}),
		initCh:           make(chan string, initQueueSize),
		WatchdogInterval: 15 * time.Second,
	}
}

// Broadcast wakes every waiter so it re-scans the pool.
func (d *Dispatcher) Broadcast() {
	d.mu.Lock()
	close(d.gate)
	d.gate = make(chan struct{})
	d.mu.Unlock()
}

// Add inserts a record and its driver into the pool and queues it for
// initialization.
func (d *Dispatcher) Add(rec *backend.Record, drv backend.Driver) error {
	d.mu.Lock()
	if _, exists := d.records[rec.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("backend %s already registered", rec.ID)
	}
	d.records[rec.ID] = rec
	d.drivers[rec.ID] = drv
	d.mu.Unlock()

	rec.SetNotify(d.Broadcast)
	if rec.Status() == backend.StatusDisabled {
		if err := rec.SetStatus(backend.StatusWaiting); err != nil {
			return err
		}
	}
	poolSize.Inc()
	d.enqueueInit(rec.ID)
	d.Broadcast()
	return nil
}

// Remove deletes a record from the pool and disables it. An in-flight claim
// keeps its WorkerAccess; the record simply stops matching.
func (d *Dispatcher) Remove(id string) {
	d.mu.Lock()
	rec, ok := d.records[id]
	if ok {
		delete(d.records, id)
		delete(d.drivers, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = rec.SetStatus(backend.StatusDisabled)
	poolSize.Dec()
	d.Broadcast()
}

// RemoveWhenIdle marks the record draining, waits for any in-flight claim to
// release it, then removes it. Used when shadow pools shrink.
func (d *Dispatcher) RemoveWhenIdle(ctx context.Context, id string) error {
	d.mu.Lock()
	rec, ok := d.records[id]
	gate := d.gate
	d.mu.Unlock()
	if !ok {
		return nil
	}
	rec.SetDraining(true)
	for rec.Busy() {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		d.mu.Lock()
		gate = d.gate
		d.mu.Unlock()
	}
	d.Remove(id)
	return nil
}

// Retry re-queues an Errored record for initialization.
func (d *Dispatcher) Retry(id string) error {
	d.mu.Lock()
	rec, ok := d.records[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend %s not registered", id)
	}
	if err := rec.SetStatus(backend.StatusWaiting); err != nil {
		return err
	}
	d.enqueueInit(id)
	return nil
}

// Driver returns the driver registered for id, or nil.
func (d *Dispatcher) Driver(id string) backend.Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drivers[id]
}

// Record returns the record registered for id, or nil.
func (d *Dispatcher) Record(id string) *backend.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[id]
}

// Snapshot returns an ID-sorted view of every record in the pool.
func (d *Dispatcher) Snapshot() []backend.View {
	d.mu.Lock()
	recs := make([]*backend.Record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	d.mu.Unlock()
	out := make([]backend.View, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountRunning reports how many records are currently Running.
func (d *Dispatcher) CountRunning() int {
	d.mu.Lock()
	recs := make([]*backend.Record, 0, len(d.records))
	for _, rec := range d.records {
		recs = append(recs, rec)
	}
	d.mu.Unlock()
	n := 0
	for _, rec := range recs {
		if rec.Status() == backend.StatusRunning {
			n++
		}
	}
	return n
}

// AcquireOptions parameterizes one acquisition.
type AcquireOptions struct {
	// Filter is the capability predicate supplied by the pipeline.
	Filter func(*backend.Record) bool

	// PreferredModel breaks ties: a backend already holding it wins.
	PreferredModel string

	// Timeout bounds the wait, queueing behind other claims included.
	// Zero means the configured per-request timeout.
	Timeout time.Duration

	// Claim supplies cancellation. May be nil.
	Claim *claims.Claim

	// OnWillLoad is signalled exactly once if the pick requires a model
	// reload. May be nil.
	OnWillLoad func()
}

// Acquire blocks until a matching backend is free, the timeout elapses, or
// the claim is cancelled. The returned access must be released on every
// exit path; releasing restores busy=false and wakes all waiters.
func (d *Dispatcher) Acquire(ctx context.Context, opts AcquireOptions) (*WorkerAccess, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.cfg.PerRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var claimDone <-chan struct{}
	if opts.Claim != nil {
		claimDone = opts.Claim.Done()
	}

	start := time.Now()
	willLoadSignalled := false
	for {
		access, retry := d.tryMatch(opts, &willLoadSignalled)
		if access != nil {
			acquireWaitSeconds.Observe(time.Since(start).Seconds())
			return access, nil
		}
		if retry {
			// Lost a CAS race; re-snapshot immediately.
			continue
		}

		d.mu.Lock()
		gate := d.gate
		d.mu.Unlock()
		select {
		case <-gate:
		case <-timer.C:
			acquireTimeouts.Inc()
			return nil, backend.ErrTimeout
		case <-claimDone:
			return nil, backend.ErrCancelled
		case <-ctx.Done():
			return nil, backend.ErrCancelled
		}
	}
}

// tryMatch runs one deterministic matching pass over a pool snapshot.
// It returns (nil, true) when a pick lost the busy CAS and the caller
// should re-snapshot without blocking.
func (d *Dispatcher) tryMatch(opts AcquireOptions, willLoadSignalled *bool) (*WorkerAccess, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var exact, loadable []*backend.Record
	for _, rec := range d.records {
		if rec.Status() != backend.StatusRunning || rec.Busy() || rec.Draining() {
			continue
		}
		if opts.Filter != nil && !opts.Filter(rec) {
			continue
		}
		if opts.PreferredModel != "" && rec.CurrentModel() == opts.PreferredModel {
			exact = append(exact, rec)
		} else {
			loadable = append(loadable, rec)
		}
	}

	pool := exact
	if len(pool) == 0 {
		pool = loadable
		// Only a pick that actually implies a reload signals the caller.
		if len(pool) > 0 && opts.PreferredModel != "" && opts.OnWillLoad != nil && !*willLoadSignalled {
			*willLoadSignalled = true
			opts.OnWillLoad()
		}
	}
	if len(pool) == 0 {
		return nil, false
	}

	sort.Slice(pool, func(i, j int) bool {
		oi, oj := pool[i].Outstanding(), pool[j].Outstanding()
		if oi != oj {
			return oi < oj
		}
		return pool[i].ID < pool[j].ID
	})
	pick := pool[0]
	if !pick.TryAcquire() {
		return nil, true
	}

	access := newWorkerAccess(d, pick, d.drivers[pick.ID], opts.Claim)
	d.accesses[pick.ID] = access
	busyWorkers.Inc()
	return access, false
}

func (d *Dispatcher) enqueueInit(id string) {
	select {
	case d.initCh <- id:
	default:
		// Queue full; hand the enqueue to a goroutine rather than drop.
		go func() { d.initCh <- id }()
	}
}

// Shutdown disables every record and shuts down every driver.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	logger := log.WithComponent("dispatch")
	d.mu.Lock()
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		drv := d.Driver(id)
		rec := d.Record(id)
		if drv != nil {
			if err := drv.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Str("backend", id).Msg("driver shutdown failed")
			}
		}
		if rec != nil {
			_ = rec.SetStatus(backend.StatusDisabled)
		}
	}
	d.Broadcast()
}
