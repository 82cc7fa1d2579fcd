package backend

import (
	"sync"
)

// Record is the dispatcher's view of one worker. Pure data plus two
// mutators: SetStatus (notifies pool waiters) and TryAcquire/Release
// (atomic on the busy flag).
type Record struct {
	ID         string
	DriverType string
	Settings   map[string]any

	// IsReal is false for shadow records synthesized by a federation driver.
	IsReal bool

	mu           sync.Mutex
	status       Status
	currentModel string
	features     map[string]struct{}
	busy         bool
	outstanding  int
	draining     bool
	notify       func()
}

// NewRecord creates a record in the Disabled state.
func NewRecord(id, driverType string, settings map[string]any, isReal bool) *Record {
	return &Record{
		ID:         id,
		DriverType: driverType,
		Settings:   settings,
		IsReal:     isReal,
		status:     StatusDisabled,
		features:   make(map[string]struct{}),
	}
}

// SetNotify installs the pool broadcast hook. The dispatcher calls this when
// the record is added; every observable mutation afterwards wakes waiters.
func (r *Record) SetNotify(fn func()) {
	r.mu.Lock()
	r.notify = fn
	r.mu.Unlock()
}

func (r *Record) notifyLocked() func() {
	return r.notify
}

// Status returns the current lifecycle state.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus applies a lifecycle transition and wakes pool waiters. Forbidden
// edges are rejected with InvalidTransitionError.
func (r *Record) SetStatus(to Status) error {
	r.mu.Lock()
	if r.status == to {
		r.mu.Unlock()
		return nil
	}
	if !CanTransition(r.status, to) {
		err := &InvalidTransitionError{ID: r.ID, From: r.status, To: to}
		r.mu.Unlock()
		return err
	}
	r.status = to
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
	return nil
}

// CurrentModel returns the last model the driver confirmed loaded, or "".
func (r *Record) CurrentModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentModel
}

// SetCurrentModel records a confirmed model load.
func (r *Record) SetCurrentModel(model string) {
	r.mu.Lock()
	r.currentModel = model
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Features returns a snapshot of the supported capability tags.
func (r *Record) Features() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.features))
	for tag := range r.features {
		out = append(out, tag)
	}
	return out
}

// HasFeature reports membership of one capability tag.
func (r *Record) HasFeature(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.features[tag]
	return ok
}

// SetFeatures replaces the capability snapshot.
func (r *Record) SetFeatures(tags []string) {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	r.mu.Lock()
	r.features = set
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// TryAcquire claims the record for one generation. It succeeds only when the
// record is Running, not draining, and not already busy.
func (r *Record) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy || r.draining || r.status != StatusRunning {
		return false
	}
	r.busy = true
	r.outstanding++
	return true
}

// Release clears the busy flag and wakes pool waiters. Releasing an idle
// record is a no-op.
func (r *Record) Release() {
	r.mu.Lock()
	if !r.busy {
		r.mu.Unlock()
		return
	}
	r.busy = false
	if r.outstanding > 0 {
		r.outstanding--
	}
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Busy reports whether a generation claim currently holds this record.
func (r *Record) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Outstanding is the number of claims currently holding this record. It is
// the matcher's primary tie-break key.
func (r *Record) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outstanding
}

// SetDraining removes the record from matching without touching an in-flight
// claim. Used while a shadow record is being retired.
func (r *Record) SetDraining(v bool) {
	r.mu.Lock()
	r.draining = v
	notify := r.notify
	r.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Draining reports whether the record is being retired.
func (r *Record) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// View is an immutable snapshot of a record for status reporting.
type View struct {
	ID           string   `json:"id"`
	DriverType   string   `json:"type"`
	Status       string   `json:"status"`
	Busy         bool     `json:"busy"`
	IsReal       bool     `json:"is_real"`
	CurrentModel string   `json:"current_model,omitempty"`
	Features     []string `json:"features"`
}

// Snapshot captures the record under its lock.
func (r *Record) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	features := make([]string, 0, len(r.features))
	for tag := range r.features {
		features = append(features, tag)
	}
	return View{
		ID:           r.ID,
		DriverType:   r.DriverType,
		Status:       r.status.String(),
		Busy:         r.busy,
		IsReal:       r.IsReal,
		CurrentModel: r.currentModel,
		Features:     features,
	}
}
