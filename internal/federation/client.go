package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucidrender/dispatch/internal/backend"
)

// client is the shared HTTP/websocket transport to one peer. It is safe for
// concurrent use; the parent driver and all its shadows go through it.
type client struct {
	base   string
	http   *http.Client
	dialer *websocket.Dialer
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// post sends a JSON body and decodes the JSON reply into out. Transport
// failures wrap backend.ErrConnection; wire error_ids are the caller's to
// inspect on the decoded reply.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, backend.ErrConnection)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d: %w", path, res.StatusCode, backend.ErrConnection)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

// wsURL rewrites the peer base URL onto the ws scheme.
func (c *client) wsURL(path string) string {
	base := c.base
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// dial opens the streaming generate socket.
func (c *client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", path, err, backend.ErrConnection)
	}
	return conn, nil
}
