package backend

import "context"

// GenerateRequest is one logical generation as seen by a driver. The
// dispatcher never interprets Params; they travel to the worker untouched.
type GenerateRequest struct {
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Model          string         `json:"model,omitempty"`
	Images         int            `json:"images"`
	Features       []string       `json:"features,omitempty"`
	UserID         string         `json:"-"`
	Params         map[string]any `json:"params,omitempty"`
}

// StreamItem is one element emitted by a driver during generation. Exactly
// one field is set.
type StreamItem struct {
	// Progress is an opaque progress object forwarded to the caller.
	Progress map[string]any

	// Image is an opaque image payload, conventionally a data URI.
	Image string
}

// Sink receives stream items. A non-nil return aborts the stream.
type Sink func(StreamItem) error

// Outcome is the terminal result of a generation stream.
type Outcome int

const (
	// OutcomeDone means the driver finished the request.
	OutcomeDone Outcome = iota

	// OutcomeRedirect asks the pipeline to re-acquire a different backend
	// and re-issue the same logical generation.
	OutcomeRedirect
)

// Driver adapts one generation worker for the dispatcher.
//
// A driver owns its record's status transitions after Init; the dispatcher
// owns the busy flag. No operation may leave the record busy on any exit
// path, and GenerateStream must honor ctx cancellation.
type Driver interface {
	// Init brings the worker up. It is invoked with the record in Loading
	// and must be idempotent under retry.
	Init(ctx context.Context) error

	// Shutdown releases all resources. It tolerates any non-terminal state.
	Shutdown(ctx context.Context) error

	// LoadModel switches the worker to the given model. Drivers that manage
	// their own model state may report success without doing anything.
	LoadModel(ctx context.Context, modelID string) (bool, error)

	// GenerateStream runs one generation, emitting progress and images to
	// sink until end of stream.
	GenerateStream(ctx context.Context, req GenerateRequest, batchID string, sink Sink) (Outcome, error)

	// SupportedFeatures returns a snapshot of capability tags.
	SupportedFeatures() []string
}
