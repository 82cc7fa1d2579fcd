package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidrender/dispatch/internal/backend"
	"github.com/lucidrender/dispatch/internal/config"
	"github.com/lucidrender/dispatch/internal/dispatch"
	"github.com/lucidrender/dispatch/internal/federation"
	"github.com/lucidrender/dispatch/internal/imagesave"
	"github.com/lucidrender/dispatch/internal/pipeline"
	"github.com/lucidrender/dispatch/internal/session"
)

type echoDriver struct{}

func (echoDriver) Init(ctx context.Context) error     { return nil }
func (echoDriver) Shutdown(ctx context.Context) error { return nil }
func (echoDriver) LoadModel(ctx context.Context, modelID string) (bool, error) {
	return true, nil
}
func (echoDriver) SupportedFeatures() []string { return []string{"hires"} }

func (echoDriver) GenerateStream(ctx context.Context, req backend.GenerateRequest, batchID string, sink backend.Sink) (backend.Outcome, error) {
	n := req.Images
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if err := sink(backend.StreamItem{Progress: map[string]any{"current": i + 1, "total": n}}); err != nil {
			return backend.OutcomeDone, err
		}
		if err := sink(backend.StreamItem{Image: "img"}); err != nil {
			return backend.OutcomeDone, err
		}
	}
	return backend.OutcomeDone, nil
}

func newTestServer(t *testing.T, outputDir string) (*Server, *httptest.Server) {
	t.Helper()
	d := dispatch.New(config.Settings{
		MaxInitAttempts:   1,
		MaxTimeout:        time.Minute,
		PerRequestTimeout: time.Minute,
	})
	rec := backend.NewRecord("gpu0", "local", nil, true)
	require.NoError(t, d.Add(rec, echoDriver{}))
	require.NoError(t, rec.SetStatus(backend.StatusLoading))
	require.NoError(t, rec.SetStatus(backend.StatusRunning))
	rec.SetCurrentModel("sdxl")
	rec.SetFeatures([]string{"hires"})

	srv := &Server{
		ServerID:   "server-1",
		Dispatcher: d,
		Runner:     &pipeline.Runner{Dispatcher: d, AcquireTimeout: time.Second},
		Registry:   NewSessionRegistry(),
	}
	if outputDir != "" {
		srv.NewPersistentSession = func() pipeline.Session {
			return session.NewStore(&imagesave.Saver{Root: outputDir}, nil)
		}
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body, out any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.NewDecoder(res.Body).Decode(out))
}

func openSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	var resp federation.SessionNewResponse
	postJSON(t, ts.URL+federation.PathSessionNew, struct{}{}, &resp)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, "")
	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestSessionNew(t *testing.T) {
	_, ts := newTestServer(t, "")
	var resp federation.SessionNewResponse
	postJSON(t, ts.URL+federation.PathSessionNew, struct{}{}, &resp)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "server-1", resp.ServerID)
	assert.Equal(t, 1, resp.CountRunning)
	assert.Empty(t, resp.ErrorID)
}

func TestBackendsList(t *testing.T) {
	_, ts := newTestServer(t, "")
	sid := openSession(t, ts)

	var resp federation.BackendsListResponse
	postJSON(t, ts.URL+federation.PathBackendsList, federation.BackendsListRequest{SessionID: sid}, &resp)

	require.Len(t, resp.Backends, 1)
	assert.Equal(t, "running", resp.Backends[0].Status)
	assert.Equal(t, "local", resp.Backends[0].Type)
	assert.Equal(t, []string{"hires"}, resp.Backends[0].Features)
}

func TestBackendsListRejectsUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, "")
	var resp federation.BackendsListResponse
	postJSON(t, ts.URL+federation.PathBackendsList, federation.BackendsListRequest{SessionID: "nope"}, &resp)
	assert.Equal(t, federation.ErrorIDInvalidSession, resp.ErrorID)
	assert.Empty(t, resp.Backends)
}

func TestGenerateDoNotSave(t *testing.T) {
	_, ts := newTestServer(t, "")
	sid := openSession(t, ts)

	var resp federation.GenerateResponse
	postJSON(t, ts.URL+federation.PathGenerate, federation.GenerateWire{
		SessionID:       sid,
		DoNotSave:       true,
		GenerateRequest: backend.GenerateRequest{Prompt: "a cat", Images: 2},
	}, &resp)

	assert.Empty(t, resp.ErrorID)
	assert.Equal(t, []string{"img", "img"}, resp.Images)
}

func TestGeneratePersistsAndReplies(t *testing.T) {
	outputDir := t.TempDir()
	_, ts := newTestServer(t, outputDir)
	sid := openSession(t, ts)

	var resp federation.GenerateResponse
	postJSON(t, ts.URL+federation.PathGenerate, federation.GenerateWire{
		SessionID:       sid,
		GenerateRequest: backend.GenerateRequest{Prompt: "a cat", Images: 1},
	}, &resp)

	assert.Empty(t, resp.ErrorID)
	require.Len(t, resp.Images, 1)

	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "one batch directory written")
}

func TestGenerateRejectsUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, "")
	var resp federation.GenerateResponse
	postJSON(t, ts.URL+federation.PathGenerate, federation.GenerateWire{
		SessionID:       "nope",
		GenerateRequest: backend.GenerateRequest{Prompt: "a cat"},
	}, &resp)
	assert.Equal(t, federation.ErrorIDInvalidSession, resp.ErrorID)
}

func TestGenerateWebsocketStream(t *testing.T) {
	_, ts := newTestServer(t, "")
	sid := openSession(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + federation.PathGenerateWS
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(federation.GenerateWire{
		SessionID:       sid,
		DoNotSave:       true,
		GenerateRequest: backend.GenerateRequest{Prompt: "a cat", Images: 2},
	}))

	var progress, images int
	for {
		var frame federation.WSFrame
		require.NoError(t, conn.ReadJSON(&frame))
		require.Empty(t, frame.ErrorID)
		if frame.Done {
			break
		}
		switch {
		case frame.GenProgress != nil:
			progress++
		case frame.Image != "":
			images++
		}
	}
	assert.Equal(t, 2, progress)
	assert.Equal(t, 2, images)
}

func TestGenerateWebsocketRejectsUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + federation.PathGenerateWS
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(federation.GenerateWire{SessionID: "nope"}))
	var frame federation.WSFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, federation.ErrorIDInvalidSession, frame.ErrorID)
}

func TestSessionTeardownCancelsClaims(t *testing.T) {
	srv, _ := newTestServer(t, "")
	sess := srv.Registry.Create()
	cl := sess.NewClaim()

	srv.Registry.Invalidate(sess.ID)
	assert.True(t, cl.ShouldCancel())
	assert.Nil(t, srv.Registry.Get(sess.ID))
}
