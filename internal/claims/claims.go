// Package claims tracks a caller's outstanding reservations of dispatcher
// resources: queue waits, live generations, and pending sub-generations.
package claims

import (
	"errors"
	"fmt"
	"sync"
)

// Kind names one of the three counters a claim carries.
type Kind int

const (
	// Waits counts outstanding waits for a backend.
	Waits Kind = iota
	// Live counts in-flight generations currently holding a backend.
	Live
	// Gens counts still-pending sub-generations of a batch.
	Gens
)

func (k Kind) String() string {
	switch k {
	case Waits:
		return "waits"
	case Live:
		return "live"
	case Gens:
		return "gens"
	default:
		return "unknown"
	}
}

// ErrCancelled is returned by Extend after the claim was cancelled.
var ErrCancelled = errors.New("claim cancelled")

// Claim is owned by exactly one caller session. The ledger enforces no
// ordering between kinds; the pipeline sequences its own completes.
type Claim struct {
	mu    sync.Mutex
	waits int
	live  int
	gens  int

	cancelOnce sync.Once
	cancelled  chan struct{}

	// sessionDone, when non-nil, marks the owning session as torn down.
	sessionDone <-chan struct{}
}

// New creates a claim. sessionDone may be nil for claims that outlive no
// session (tests, internal work).
func New(sessionDone <-chan struct{}) *Claim {
	return &Claim{
		cancelled:   make(chan struct{}),
		sessionDone: sessionDone,
	}
}

// Extend increases one counter by n. It fails once the claim is cancelled so
// no new work can be hung on a dead claim.
func (c *Claim) Extend(kind Kind, n int) error {
	if c.ShouldCancel() {
		return ErrCancelled
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case Waits:
		c.waits += n
	case Live:
		c.live += n
	case Gens:
		c.gens += n
	}
	return nil
}

// Complete decreases one counter by n. Underflow is a bookkeeping bug and is
// reported rather than clamped silently.
func (c *Claim) Complete(kind Kind, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var counter *int
	switch kind {
	case Waits:
		counter = &c.waits
	case Live:
		counter = &c.live
	case Gens:
		counter = &c.gens
	}
	if *counter < n {
		return fmt.Errorf("claim %s underflow: have %d, completing %d", kind, *counter, n)
	}
	*counter -= n
	return nil
}

// Cancel sets the cancellation token. Idempotent.
func (c *Claim) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
}

// Done exposes the cancellation token for select loops.
func (c *Claim) Done() <-chan struct{} {
	return c.cancelled
}

// ShouldCancel reports whether the token is set or the owning session has
// been torn down.
func (c *Claim) ShouldCancel() bool {
	select {
	case <-c.cancelled:
		return true
	default:
	}
	if c.sessionDone != nil {
		select {
		case <-c.sessionDone:
			return true
		default:
		}
	}
	return false
}

// Counts returns the current waits/live/gens triple.
func (c *Claim) Counts() (waits, live, gens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits, c.live, c.gens
}

// IsComplete reports whether every counter has returned to zero.
func (c *Claim) IsComplete() bool {
	w, l, g := c.Counts()
	return w == 0 && l == 0 && g == 0
}
