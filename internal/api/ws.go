package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lucidrender/dispatch/internal/claims"
	"github.com/lucidrender/dispatch/internal/federation"
	"github.com/lucidrender/dispatch/internal/log"
	"github.com/lucidrender/dispatch/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Peers authenticate via session tokens, not browser origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsWriter serializes frame writes; the pipeline emits from the driver's
// streaming goroutine.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(frame federation.WSFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

// handleGenerateWS streams one generation over a websocket: the client
// sends a single GenerateWire frame, we stream progress and images back and
// close with a done frame.
func (s *Server) handleGenerateWS(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	wsConnections.Inc()
	defer wsConnections.Dec()

	var wire federation.GenerateWire
	if err := conn.ReadJSON(&wire); err != nil {
		logger.Warn().Err(err).Msg("read generate frame")
		return
	}
	out := &wsWriter{conn: conn}
	sess := s.Registry.Get(wire.SessionID)
	if sess == nil {
		_ = out.send(federation.WSFrame{ErrorID: federation.ErrorIDInvalidSession})
		return
	}
	generateRequests.WithLabelValues("ws").Inc()

	// A dropped socket cancels the generation.
	ctx, cancel := context.WithCancel(log.ContextWithSessionID(r.Context(), wire.SessionID))
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	collector := s.pickSession(wire)
	batchID := uuid.NewString()
	cl := sess.NewClaim()
	if err := cl.Extend(claims.Gens, 1); err != nil {
		_ = out.send(federation.WSFrame{ErrorID: "cancelled"})
		return
	}
	err = s.Runner.Run(ctx, wire.GenerateRequest, batchID, cl, collector, func(u pipeline.Update) {
		switch {
		case u.GenProgress != nil:
			_ = out.send(federation.WSFrame{GenProgress: u.GenProgress})
		case u.Image != "":
			_ = out.send(federation.WSFrame{Image: u.Image})
		}
	})
	if err != nil {
		_ = out.send(federation.WSFrame{ErrorID: errorID(err)})
		return
	}
	_ = out.send(federation.WSFrame{Done: true})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
