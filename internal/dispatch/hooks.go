package dispatch

import (
	"context"

	"github.com/lucidrender/dispatch/internal/backend"
)

// PreGenerateEvent is handed to pre-generate listeners before any backend is
// claimed. The request pointer is mutable; everything else is fixed.
type PreGenerateEvent struct {
	Request *backend.GenerateRequest
	BatchID string
	UserID  string
}

// PreGenerateHook runs synchronously before acquisition. Returning a
// *backend.UserError aborts the request with that message.
type PreGenerateHook func(ctx context.Context, ev PreGenerateEvent) error

// PostImageEvent describes one generated image before it is saved.
type PostImageEvent struct {
	Image   string
	Request backend.GenerateRequest
	BatchID string
	Index   int
}

// PostImageHook may refuse the image via the supplied closure; refused
// images are discarded and never counted.
type PostImageHook func(ctx context.Context, ev PostImageEvent, refuse func(reason string))

// RegisterPreGenerate appends a pre-generate listener. Wire at startup;
// registration is not synchronized against in-flight requests.
func (d *Dispatcher) RegisterPreGenerate(h PreGenerateHook) {
	d.hookMu.Lock()
	d.preGen = append(d.preGen, h)
	d.hookMu.Unlock()
}

// RegisterPostImage appends a post-image listener.
func (d *Dispatcher) RegisterPostImage(h PostImageHook) {
	d.hookMu.Lock()
	d.postImg = append(d.postImg, h)
	d.hookMu.Unlock()
}

// FirePreGenerate invokes the pre-generate listeners in order, stopping at
// the first error.
func (d *Dispatcher) FirePreGenerate(ctx context.Context, ev PreGenerateEvent) error {
	d.hookMu.RLock()
	hooks := d.preGen
	d.hookMu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// FirePostImage invokes the post-image listeners. It reports whether any
// listener refused the image and the first refusal reason.
func (d *Dispatcher) FirePostImage(ctx context.Context, ev PostImageEvent) (refused bool, reason string) {
	d.hookMu.RLock()
	hooks := d.postImg
	d.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, ev, func(r string) {
			if !refused {
				refused = true
				reason = r
			}
		})
	}
	return refused, reason
}
