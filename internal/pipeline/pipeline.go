// Package pipeline owns the per-request generation lifecycle: hooks,
// backend acquisition, streaming, per-image handling, and saving. Every
// path through Run balances the claim's counters and releases any held
// backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/claims"
	"github.com/lucidrender/dispatch/internal/dispatch"
	"github.com/lucidrender/dispatch/internal/log"
	"github.com/lucidrender/dispatch/internal/telemetry"
)

// Update is one event streamed back to the caller.
type Update struct {
	Status      string         `json:"status,omitempty"`
	GenProgress map[string]any `json:"gen_progress,omitempty"`
	Image       string         `json:"image,omitempty"`
	Index       int            `json:"index,omitempty"`
	Timing      string         `json:"timing,omitempty"`
}

// Emit delivers an update to the caller. Must tolerate being called from
// the driver's streaming goroutine.
type Emit func(Update)

// Session is the per-caller collaborator that finalizes images.
type Session interface {
	// ApplyMetadata returns the (possibly rewritten) image and its metadata
	// string for the index-th accepted image of the request.
	ApplyMetadata(ctx context.Context, image string, req backend.GenerateRequest, index int) (string, string, error)

	// SaveImage writes one accepted image to the durable store.
	SaveImage(ctx context.Context, batchID string, index int, image, metadata string) error
}

// Runner executes generation requests against the dispatcher.
type Runner struct {
	Dispatcher *dispatch.Dispatcher

	// AcquireTimeout bounds waiting for a backend, queueing included.
	// Zero falls back to the dispatcher's configured per-request timeout.
	AcquireTimeout time.Duration
}

// Run executes one logical generation. The caller extends the claim's gens
// counter by one before calling; Run completes it (plus any redirect
// extensions) on every exit path. Cancellations surface as ErrCancelled;
// callers map errors to user-visible text with backend.UserMessage.
func (r *Runner) Run(ctx context.Context, req backend.GenerateRequest, batchID string, cl *claims.Claim, sess Session, emit Emit) (retErr error) {
	ctx = log.ContextWithBatchID(ctx, batchID)
	ctx, span := telemetry.StartSpan(ctx, "pipeline.run",
		attribute.String("batch_id", batchID),
		attribute.String("model", req.Model))
	defer func() {
		telemetry.RecordError(span, retErr)
		span.End()
	}()
	logger := log.WithComponentFromContext(ctx, "pipeline")

	if req.Images <= 0 {
		req.Images = 1
	}

	// Phase 1: pre-generate listeners, before any backend is claimed.
	if err := r.Dispatcher.FirePreGenerate(ctx, dispatch.PreGenerateEvent{
		Request: &req,
		BatchID: batchID,
		UserID:  req.UserID,
	}); err != nil {
		generationsTotal.WithLabelValues("refused").Inc()
		return err
	}

	timeout := r.AcquireTimeout
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	start := time.Now()
	redirects := 0
	numGenerated := 0
	var prepSeconds, genSeconds float64

	defer func() {
		// One top-level gens extension by the caller plus one per redirect
		// hop; gens returns to zero exactly once per request.
		if err := cl.Complete(claims.Gens, 1+redirects); err != nil {
			logger.Error().Err(err).Msg("claim gens bookkeeping out of balance")
		}
	}()

	for {
		hopTimeout := timeout
		if !deadline.IsZero() {
			hopTimeout = time.Until(deadline)
			if hopTimeout <= 0 {
				generationsTotal.WithLabelValues("timeout").Inc()
				return backend.ErrTimeout
			}
		}
		outcome, err := r.runHop(ctx, req, batchID, cl, sess, emit, hopTimeout, start, &prepSeconds, &genSeconds, &numGenerated)
		if err != nil {
			generationsTotal.WithLabelValues(resultLabel(err)).Inc()
			return err
		}
		if outcome == backend.OutcomeRedirect {
			// Phase 5: the driver asked for another backend. Extend gens and
			// re-enter acquisition; the deadline is the only bound on chains.
			if err := cl.Extend(claims.Gens, 1); err != nil {
				generationsTotal.WithLabelValues("cancelled").Inc()
				return backend.ErrCancelled
			}
			redirects++
			redirectsTotal.Inc()
			logger.Info().Int("redirects", redirects).Msg("backend redirected generation")
			continue
		}
		break
	}

	report := timingReport(prepSeconds, genSeconds, numGenerated)
	logger.Info().
		Int("images", numGenerated).
		Int("redirects", redirects).
		Str("timing", report).
		Msg("generation complete")
	emit(Update{Status: "done", Timing: report})
	generationsTotal.WithLabelValues("success").Inc()
	return nil
}

// runHop performs one acquire→stream cycle, balancing waits and live on
// every exit path and always releasing the backend.
func (r *Runner) runHop(
	ctx context.Context,
	req backend.GenerateRequest,
	batchID string,
	cl *claims.Claim,
	sess Session,
	emit Emit,
	timeout time.Duration,
	start time.Time,
	prepSeconds, genSeconds *float64,
	numGenerated *int,
) (backend.Outcome, error) {
	logger := log.WithComponentFromContext(ctx, "pipeline")

	// Phase 2: acquire.
	if err := cl.Extend(claims.Waits, 1); err != nil {
		return backend.OutcomeDone, backend.ErrCancelled
	}
	emit(Update{Status: "queued"})
	access, err := r.Dispatcher.Acquire(ctx, dispatch.AcquireOptions{
		Filter:         FeatureFilter(req.Features),
		PreferredModel: req.Model,
		Timeout:        timeout,
		Claim:          cl,
		OnWillLoad:     func() { emit(Update{Status: "loading model"}) },
	})
	if cerr := cl.Complete(claims.Waits, 1); cerr != nil {
		logger.Error().Err(cerr).Msg("claim waits bookkeeping out of balance")
	}
	if err != nil {
		return backend.OutcomeDone, err
	}
	defer access.Release()

	// Phase 3: generate.
	if err := cl.Extend(claims.Live, 1); err != nil {
		return backend.OutcomeDone, backend.ErrCancelled
	}
	defer func() {
		if cerr := cl.Complete(claims.Live, 1); cerr != nil {
			logger.Error().Err(cerr).Msg("claim live bookkeeping out of balance")
		}
	}()
	*prepSeconds = time.Since(start).Seconds()

	if err := access.EnsureModel(ctx, req.Model); err != nil {
		return backend.OutcomeDone, fmt.Errorf("load model %q on %s: %w", req.Model, access.Record().ID, err)
	}

	emit(Update{Status: "generating"})
	streamCtx, cancelStream := access.WithStall(ctx)
	defer cancelStream()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-cl.Done():
			cancelStream()
		case <-stopWatch:
		}
	}()

	genStart := time.Now()
	outcome, serr := access.Driver().GenerateStream(streamCtx, req, batchID, func(item backend.StreamItem) error {
		access.Touch()
		switch {
		case item.Progress != nil:
			emit(Update{GenProgress: item.Progress})
		case item.Image != "":
			// Phase 4: per-image handling.
			idx := *numGenerated
			refused, reason := r.Dispatcher.FirePostImage(ctx, dispatch.PostImageEvent{
				Image:   item.Image,
				Request: req,
				BatchID: batchID,
				Index:   idx,
			})
			if refused {
				imagesRefused.Inc()
				logger.Info().Int("index", idx).Str("reason", reason).Msg("image refused by listener")
				return nil
			}
			image, metadata, err := sess.ApplyMetadata(ctx, item.Image, req, idx)
			if err != nil {
				return fmt.Errorf("apply metadata: %w", err)
			}
			if err := sess.SaveImage(ctx, batchID, idx, image, metadata); err != nil {
				return fmt.Errorf("save image: %w", err)
			}
			*numGenerated++
			emit(Update{Image: image, Index: idx})
		}
		return nil
	})
	*genSeconds += time.Since(genStart).Seconds()

	if serr != nil {
		if access.Stalled() {
			return backend.OutcomeDone, fmt.Errorf("backend %s: %w", access.Record().ID, backend.ErrBackendStalled)
		}
		if cl.ShouldCancel() || errors.Is(serr, context.Canceled) {
			return backend.OutcomeDone, backend.ErrCancelled
		}
		return backend.OutcomeDone, serr
	}
	if access.Stalled() {
		return backend.OutcomeDone, fmt.Errorf("backend %s: %w", access.Record().ID, backend.ErrBackendStalled)
	}
	return outcome, nil
}

// FeatureFilter builds the capability predicate for a request: the backend
// must carry every requested tag. Tags are opaque; only set membership
// matters.
func FeatureFilter(tags []string) func(*backend.Record) bool {
	if len(tags) == 0 {
		return func(*backend.Record) bool { return true }
	}
	return func(rec *backend.Record) bool {
		for _, tag := range tags {
			if !rec.HasFeature(tag) {
				return false
			}
		}
		return true
	}
}

// timingReport renders the observable timing line. Times are per image when
// more than one was produced.
func timingReport(prep, gen float64, images int) string {
	if images > 1 {
		prep /= float64(images)
		gen /= float64(images)
	}
	return fmt.Sprintf("%.2f (prep) and %.2f (gen) seconds", prep, gen)
}

func resultLabel(err error) string {
	var ue *backend.UserError
	var ude *backend.UserDataError
	switch {
	case errors.As(err, &ue), errors.As(err, &ude):
		return "refused"
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrCancelled):
		return "cancelled"
	case errors.Is(err, backend.ErrBackendStalled):
		return "stalled"
	default:
		return "error"
	}
}
