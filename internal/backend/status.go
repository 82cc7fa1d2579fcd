// Package backend defines the worker pool data model: records, statuses,
// the driver contract, and the dispatch error taxonomy.
package backend

// Status is the lifecycle state of a worker record.
type Status int

const (
	StatusDisabled Status = iota
	StatusWaiting
	StatusLoading
	StatusIdle
	StatusRunning
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusWaiting:
		return "waiting"
	case StatusLoading:
		return "loading"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StatusFromString parses the wire form of a status. Unknown strings map to
// StatusErrored so a misbehaving peer never counts as usable capacity.
func StatusFromString(s string) Status {
	switch s {
	case "disabled":
		return StatusDisabled
	case "waiting":
		return StatusWaiting
	case "loading":
		return StatusLoading
	case "idle":
		return StatusIdle
	case "running":
		return StatusRunning
	case "errored":
		return StatusErrored
	default:
		return StatusErrored
	}
}

// transitions enumerates the permitted status edges. Shutdown (any state to
// Disabled) is handled separately in CanTransition.
var transitions = map[Status][]Status{
	StatusDisabled: {StatusWaiting},
	StatusWaiting:  {StatusLoading},
	StatusLoading:  {StatusRunning, StatusIdle, StatusErrored},
	StatusRunning:  {StatusIdle, StatusErrored},
	StatusIdle:     {StatusRunning, StatusErrored},
	StatusErrored:  {StatusWaiting},
}

// CanTransition reports whether the edge from→to is permitted.
func CanTransition(from, to Status) bool {
	if to == StatusDisabled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
