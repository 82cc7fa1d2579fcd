package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/lucidrender/dispatch/internal/backend"
)

// generate forwards one generation to the peer. The websocket variant is
// preferred for progress streaming; when the socket cannot be established
// the plain POST endpoint serves as fallback.
func (d *Driver) generate(ctx context.Context, sessionID string, req backend.GenerateRequest, sink backend.Sink) error {
	wire := GenerateWire{
		SessionID:       sessionID,
		DoNotSave:       true,
		GenerateRequest: req,
	}
	err := d.generateWS(ctx, wire, sink)
	if err != nil && errors.Is(err, errWSUnavailable) {
		d.logger.Debug().Err(err).Msg("streaming generate unavailable, falling back to plain POST")
		return d.generatePost(ctx, wire, sink)
	}
	return err
}

// errWSUnavailable marks a websocket that never came up, as opposed to one
// that failed mid-stream. Only the former is safe to retry over plain POST.
var errWSUnavailable = errors.New("generate socket unavailable")

func (d *Driver) generateWS(ctx context.Context, wire GenerateWire, sink backend.Sink) error {
	conn, err := d.cl.dial(ctx, PathGenerateWS)
	if err != nil {
		return fmt.Errorf("%v: %w", err, errWSUnavailable)
	}
	defer conn.Close()

	// Unblock the read loop when the caller goes away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(wire); err != nil {
		return fmt.Errorf("send generate frame: %v: %w", err, backend.ErrConnection)
	}

	for {
		var frame WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read generate frame: %v: %w", err, backend.ErrConnection)
		}
		if err := wireErr(frame.ErrorID); err != nil {
			return err
		}
		if frame.Done {
			return nil
		}
		switch {
		case frame.GenProgress != nil:
			if err := sink(backend.StreamItem{Progress: frame.GenProgress}); err != nil {
				return err
			}
		case frame.Image != "":
			if err := sink(backend.StreamItem{Image: frame.Image}); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) generatePost(ctx context.Context, wire GenerateWire, sink backend.Sink) error {
	var resp GenerateResponse
	if err := d.cl.post(ctx, PathGenerate, wire, &resp); err != nil {
		return err
	}
	if err := wireErr(resp.ErrorID); err != nil {
		return err
	}
	for _, image := range resp.Images {
		if err := sink(backend.StreamItem{Image: image}); err != nil {
			return err
		}
	}
	return nil
}
