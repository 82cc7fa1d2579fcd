// Package federation mirrors a peer instance's backend pool into the local
// pool: one parent driver holding the session plus synthesized shadow
// records, one per reserved concurrency slot on the peer.
package federation

import (
	"fmt"

	"github.com/lucidrender/dispatch/internal/backend"
)

// Peer API paths. A peer is an instance of this same system serving the
// same four endpoints.
const (
	PathSessionNew   = "/api/session/new"
	PathBackendsList = "/api/backends/list"
	PathGenerate     = "/api/generate"
	PathGenerateWS   = "/api/generate-ws"
)

// ErrorIDInvalidSession is the wire signal that our session token expired.
const ErrorIDInvalidSession = "invalid_session_id"

// SessionNewResponse is the reply to PathSessionNew.
type SessionNewResponse struct {
	SessionID    string `json:"session_id"`
	ServerID     string `json:"server_id"`
	CountRunning int    `json:"count_running"`
	ErrorID      string `json:"error_id,omitempty"`
}

// BackendsListRequest asks the peer for its pool snapshot.
type BackendsListRequest struct {
	SessionID string `json:"session_id"`
}

// RemoteBackend is one entry of the peer's pool snapshot.
type RemoteBackend struct {
	Status   string   `json:"status"`
	Type     string   `json:"type"`
	Features []string `json:"features"`
}

// BackendsListResponse is the reply to PathBackendsList.
type BackendsListResponse struct {
	Backends []RemoteBackend `json:"backends"`
	ErrorID  string          `json:"error_id,omitempty"`
}

// GenerateWire is the request body of PathGenerate and the opening frame of
// PathGenerateWS. User params ride along via the embedded request.
type GenerateWire struct {
	SessionID string `json:"session_id"`
	DoNotSave bool   `json:"donotsave"`
	backend.GenerateRequest
}

// GenerateResponse is the non-streaming reply to PathGenerate.
type GenerateResponse struct {
	Images  []string `json:"images"`
	ErrorID string   `json:"error_id,omitempty"`
}

// WSFrame is one streamed frame of PathGenerateWS. Done marks end of
// stream; ErrorID aborts it.
type WSFrame struct {
	GenProgress map[string]any `json:"gen_progress,omitempty"`
	Image       string         `json:"image,omitempty"`
	ErrorID     string         `json:"error_id,omitempty"`
	Done        bool           `json:"done,omitempty"`
}

// wireErr maps a wire error_id to the error taxonomy.
func wireErr(errorID string) error {
	switch errorID {
	case "":
		return nil
	case ErrorIDInvalidSession:
		return backend.ErrSessionInvalid
	default:
		return fmt.Errorf("peer error %q", errorID)
	}
}
