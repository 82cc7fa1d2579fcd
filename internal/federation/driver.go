package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/log"
)

// ErrLoopDetected means the peer reported our own server ID: the "peer" is
// this very process, directly or through a cycle.
var ErrLoopDetected = errors.New("federation loop detected")

// Pool is the slice of the dispatcher the federation driver needs to manage
// shadow records.
type Pool interface {
	Add(rec *backend.Record, drv backend.Driver) error
	RemoveWhenIdle(ctx context.Context, id string) error
}

// Options configures one peer driver.
type Options struct {
	// Address is the peer's base URL.
	Address string

	// AllowIdle makes an unreachable peer Idle (re-probed on a cadence)
	// instead of Errored.
	AllowIdle bool

	// OverQueue inflates the shadow count beyond the peer's concurrency so
	// the peer's own queue stays warm.
	OverQueue int

	// LocalServerID is this process's loop-prevention identity.
	LocalServerID string

	// Pool receives synthesized shadow records.
	Pool Pool

	// ProbeInterval is the idle re-probe / list refresh cadence.
	ProbeInterval time.Duration

	// LoadingPoll is the re-query cadence while the peer reports loading
	// sub-workers.
	LoadingPoll time.Duration
}

// Driver is a backend driver whose worker is a whole peer instance. The
// parent record represents the peer's first concurrency slot; shadows
// represent the rest.
type Driver struct {
	rec *backend.Record
	opt Options
	cl  *client

	mu             sync.Mutex
	sessionID      string
	remoteFeatures []string
	remoteTypes    []string
	anyLoading     bool
	remoteCount    int
	shadows        []*backend.Record
	shadowSeq      int
	loopDetected   bool

	monitorOnce sync.Once
	logger      zerolog.Logger
}

// New creates a peer driver bound to rec.
func New(rec *backend.Record, opt Options) *Driver {
	if opt.ProbeInterval <= 0 {
		opt.ProbeInterval = 30 * time.Second
	}
	if opt.LoadingPoll <= 0 {
		opt.LoadingPoll = time.Second
	}
	return &Driver{
		rec:    rec,
		opt:    opt,
		cl:     newClient(opt.Address),
		logger: log.WithComponent("federation").With().Str("peer", rec.ID).Str("address", opt.Address).Logger(),
	}
}

// Init establishes a session, reflects the peer's capabilities, waits out
// any loading sub-workers, and synthesizes shadow records. With AllowIdle,
// an unreachable peer parks the driver in Idle instead of failing.
func (d *Driver) Init(ctx context.Context) error {
	if d.loopErr() != nil {
		return d.loopErr()
	}
	if err := d.newSession(ctx); err != nil {
		return d.initFailure(ctx, err)
	}
	if err := d.refresh(ctx); err != nil {
		return d.initFailure(ctx, err)
	}

	// Loading wait: stay in Loading while any peer sub-worker loads.
	for d.peerLoading() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opt.LoadingPoll):
		}
		if err := d.refresh(ctx); err != nil {
			return d.initFailure(ctx, err)
		}
	}

	d.startMonitor(ctx)
	return nil
}

// initFailure routes an init error: AllowIdle parks the driver (and any
// shadows) in Idle with the monitor re-probing; otherwise the error goes
// back to the init loop.
func (d *Driver) initFailure(ctx context.Context, err error) error {
	if !d.opt.AllowIdle {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	d.logger.Warn().Err(err).Msg("peer unavailable, parking in idle")
	d.setAllStatus(backend.StatusIdle)
	d.startMonitor(ctx)
	return nil
}

// Shutdown drops the session and lets the dispatcher retire the records.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.sessionID = ""
	shadows := append([]*backend.Record(nil), d.shadows...)
	d.shadows = nil
	d.mu.Unlock()
	for _, rec := range shadows {
		if err := d.opt.Pool.RemoveWhenIdle(ctx, rec.ID); err != nil {
			d.logger.Warn().Err(err).Str("shadow", rec.ID).Msg("shadow removal interrupted during shutdown")
		}
	}
	shadowRecords.WithLabelValues(d.rec.ID).Set(0)
	return nil
}

// LoadModel is a no-op: the peer manages its own model state and follows
// the model named in each request.
func (d *Driver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	return true, nil
}

// SupportedFeatures reflects the union of capability tags observed on the
// peer.
func (d *Driver) SupportedFeatures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.remoteFeatures...)
}

// GenerateStream forwards the request to the peer, streaming progress and
// images back through sink. Session invalidation is recovered transparently
// exactly once.
func (d *Driver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	err := d.withSession(ctx, func(sessionID string) error {
		return d.generate(ctx, sessionID, req, sink)
	})
	return backend.OutcomeDone, err
}

// newSession establishes a fresh session with the peer, running loop
// detection on the reported server ID.
func (d *Driver) newSession(ctx context.Context) error {
	var resp SessionNewResponse
	if err := d.cl.post(ctx, PathSessionNew, struct{}{}, &resp); err != nil {
		return err
	}
	if err := wireErr(resp.ErrorID); err != nil {
		return err
	}
	if resp.ServerID == d.opt.LocalServerID {
		d.mu.Lock()
		d.loopDetected = true
		d.mu.Unlock()
		return fmt.Errorf("peer %s reports our own server id %s: %w", d.opt.Address, resp.ServerID, ErrLoopDetected)
	}
	d.mu.Lock()
	d.sessionID = resp.SessionID
	d.remoteCount = resp.CountRunning
	d.mu.Unlock()
	sessionsEstablished.Inc()
	d.logger.Info().Str("session", resp.SessionID).Int("count_running", resp.CountRunning).Msg("peer session established")
	return nil
}

// withSession wraps a peer call with session recovery: on SessionInvalid it
// re-establishes the session and retries exactly once. A second
// invalidation surfaces as a connection error.
func (d *Driver) withSession(ctx context.Context, fn func(sessionID string) error) error {
	sid := d.session()
	if sid == "" {
		if err := d.newSession(ctx); err != nil {
			return err
		}
		sid = d.session()
	}
	err := fn(sid)
	if !errors.Is(err, backend.ErrSessionInvalid) {
		return err
	}
	sessionRecoveries.Inc()
	d.logger.Info().Msg("peer session invalidated, re-establishing")
	if err := d.newSession(ctx); err != nil {
		return err
	}
	err = fn(d.session())
	if errors.Is(err, backend.ErrSessionInvalid) {
		return fmt.Errorf("session invalid again after recovery: %w", backend.ErrConnection)
	}
	return err
}

func (d *Driver) session() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *Driver) peerLoading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.anyLoading
}

func (d *Driver) loopErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopDetected {
		return fmt.Errorf("peer %s: %w", d.opt.Address, ErrLoopDetected)
	}
	return nil
}

// refresh pulls the peer's pool snapshot and reconciles local state:
// capability reflection, loading flag, running count, and shadow sizing.
func (d *Driver) refresh(ctx context.Context) error {
	return d.withSession(ctx, func(sessionID string) error {
		var resp BackendsListResponse
		if err := d.cl.post(ctx, PathBackendsList, BackendsListRequest{SessionID: sessionID}, &resp); err != nil {
			return err
		}
		if err := wireErr(resp.ErrorID); err != nil {
			return err
		}

		featureSet := make(map[string]struct{})
		typeSet := make(map[string]struct{})
		running := 0
		loading := false
		for _, rb := range resp.Backends {
			switch backend.StatusFromString(rb.Status) {
			case backend.StatusRunning:
				running++
			case backend.StatusLoading:
				loading = true
			}
			typeSet[rb.Type] = struct{}{}
			for _, tag := range rb.Features {
				featureSet[tag] = struct{}{}
			}
		}

		features := make([]string, 0, len(featureSet))
		for tag := range featureSet {
			features = append(features, tag)
		}
		types := make([]string, 0, len(typeSet))
		for t := range typeSet {
			types = append(types, t)
		}

		d.mu.Lock()
		d.remoteFeatures = features
		d.remoteTypes = types
		d.anyLoading = loading
		d.remoteCount = running
		d.mu.Unlock()

		d.rec.SetFeatures(features)
		d.resizeShadows(ctx)
		return nil
	})
}

// setAllStatus flips the parent and every shadow to the same status so the
// dispatcher observes a uniform peer state.
func (d *Driver) setAllStatus(to backend.Status) {
	d.mu.Lock()
	shadows := append([]*backend.Record(nil), d.shadows...)
	d.mu.Unlock()
	for _, rec := range shadows {
		if err := rec.SetStatus(to); err != nil {
			d.logger.Warn().Err(err).Str("shadow", rec.ID).Msg("shadow status flip rejected")
		}
	}
	if err := d.rec.SetStatus(to); err != nil {
		d.logger.Warn().Err(err).Msg("peer status flip rejected")
	}
}
