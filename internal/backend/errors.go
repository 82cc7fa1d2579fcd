package backend

import (
	"errors"
	"fmt"
)

// Sentinel error kinds of the dispatch core. These are values, not types;
// callers classify with errors.Is and wrap with fmt.Errorf("...: %w", err).
var (
	// ErrTimeout means the acquire deadline elapsed before a backend freed.
	ErrTimeout = errors.New("all backends are occupied")

	// ErrCancelled means the owning claim or the process shut down.
	ErrCancelled = errors.New("generation cancelled")

	// ErrSessionInvalid is the peer's signal that our session token expired.
	// It never escapes the federation driver: the recovery wrapper retries
	// once, then reports ErrConnection.
	ErrSessionInvalid = errors.New("peer session invalid")

	// ErrConnection means a federated peer is unreachable or rejected a
	// recovered session.
	ErrConnection = errors.New("peer connection failed")

	// ErrBackendStalled means a backend held a claim past the inactivity
	// threshold and was force-released.
	ErrBackendStalled = errors.New("backend stalled")
)

// UserError carries a message that is shown to the caller verbatim, e.g. a
// refusal raised by a pre-generate listener.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// UserDataError is a hard refusal of generated output raised after the fact.
type UserDataError struct {
	Msg string
}

func (e *UserDataError) Error() string { return e.Msg }

// User-facing messages for error kinds that must not leak internals.
const (
	MsgAllBusy  = "All backends are occupied"
	MsgInternal = "Something went wrong while generating images."
)

// UserMessage maps any pipeline error to the message the caller sees.
// Cancellations return an empty string: they are swallowed silently.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Msg
	}
	var ude *UserDataError
	if errors.As(err, &ude) {
		return ude.Msg
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return ""
	case errors.Is(err, ErrTimeout):
		return MsgAllBusy
	default:
		return MsgInternal
	}
}

// InvalidTransitionError reports a forbidden status edge.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("backend %s: invalid status transition %s -> %s", e.ID, e.From, e.To)
}
