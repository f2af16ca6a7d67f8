package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/sqlsaber/pkg/agent"
	"github.com/harun/sqlsaber/pkg/commandqueue"
	"github.com/harun/sqlsaber/pkg/engine"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/store"
	"github.com/harun/sqlsaber/pkg/thread"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
api_keys:
  - {id: 1, provider: anthropic, name: work, api_key: sk-ant-one}
database_connections:
  - {id: 1, name: analytics, connection_string: "sqlite:///tmp/analytics.db"}
model_configs:
  - {id: 1, display_name: Sonnet, model_name: "anthropic:claude-sonnet-4-5", api_key_id: 1}
defaults: {database_connection_id: 1, model_config_id: 1}
`

type staticRegistry struct {
	mu   sync.Mutex
	snap *registry.Snapshot
}

func (r *staticRegistry) Snapshot() *registry.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// gatedRunner completes a run once its gate is released
type gatedRunner struct {
	store store.Store
	gate  chan struct{}
}

func (g *gatedRunner) Run(ctx context.Context, params agent.RunParams) error {
	if _, err := g.store.Transition(ctx, params.ThreadID, thread.StatusRunning, ""); err != nil {
		return err
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			_, _ = g.store.Transition(context.WithoutCancel(ctx), params.ThreadID, thread.StatusError, agent.ErrCancelled.Error())
			return agent.ErrCancelled
		}
	}
	msg, err := thread.NewMessage(params.ThreadID, thread.KindAssistant, thread.TextContent{Text: "There are 42 orders."})
	if err != nil {
		return err
	}
	if _, err := g.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	_, err = g.store.Transition(ctx, params.ThreadID, thread.StatusCompleted, "")
	return err
}

type testServer struct {
	server   *Server
	handler  http.Handler
	store    *store.SQLiteStore
	registry *staticRegistry
	gate     chan struct{}
}

func setupServer(t *testing.T, gated bool) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(store.Config{
		Path:   filepath.Join(t.TempDir(), "sqlsaber.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	snap, err := registry.Parse([]byte(testRegistry))
	require.NoError(t, err)
	reg := &staticRegistry{snap: snap}

	runner := &gatedRunner{store: s}
	if gated {
		runner.gate = make(chan struct{})
	}

	e, err := engine.New(engine.Config{
		Store:    s,
		Registry: reg,
		Runner:   runner,
		Queue:    commandqueue.New(commandqueue.Options{Workers: 2}),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	srv, err := NewServer(Config{
		Service:            e,
		RateLimitPerMinute: 1000,
		StreamInterval:     10 * time.Millisecond,
		Logger:             zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(srv.rateLimiter.Stop)

	return &testServer{server: srv, handler: srv.Handler(), store: s, registry: reg, gate: runner.gate}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (ts *testServer) createThread(t *testing.T, prompt string) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/threads", `{"prompt":"`+prompt+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	decode(t, rec, &resp)
	require.NotEmpty(t, resp["id"])
	return resp["id"]
}

func (ts *testServer) waitForStatus(t *testing.T, id string, want thread.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		th, err := ts.store.GetThread(context.Background(), id)
		return err == nil && th.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCreateThread(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		error  string
	}{
		{name: "empty prompt", body: `{"prompt":"  "}`, status: http.StatusBadRequest, error: "prompt is required"},
		{name: "malformed body", body: `{"prompt":`, status: http.StatusBadRequest, error: "invalid JSON body"},
		{name: "fractional database id", body: `{"prompt":"q","database_connection_id":1.5}`, status: http.StatusBadRequest, error: "database_connection_id must be an integer"},
		{name: "string model id", body: `{"prompt":"q","model_config_id":"1"}`, status: http.StatusBadRequest, error: "model_config_id must be an integer"},
	}

	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			ts := setupServer(t, false)

			rec := ts.do(t, http.MethodPost, "/threads", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var resp map[string]string
			decode(t, rec, &resp)
			assert.Equal(t, tt.error, resp["error"])
		})
	}

	t.Run("should require configuration", func(t *testing.T) {
		ts := setupServer(t, false)
		ts.registry.snap = registry.Empty()

		rec := ts.do(t, http.MethodPost, "/threads", `{"prompt":"how many orders?"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp map[string]string
		decode(t, rec, &resp)
		assert.Equal(t, "Configuration required", resp["error"])
	})

	t.Run("should create and run a thread", func(t *testing.T) {
		ts := setupServer(t, false)

		id := ts.createThread(t, "how many orders?")
		ts.waitForStatus(t, id, thread.StatusCompleted)
	})

	t.Run("should accept null ids", func(t *testing.T) {
		ts := setupServer(t, false)

		rec := ts.do(t, http.MethodPost, "/threads", `{"prompt":"q","database_connection_id":null,"model_config_id":1}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestContinueThread(t *testing.T) {
	t.Run("should return 404 for an unknown thread", func(t *testing.T) {
		ts := setupServer(t, false)

		rec := ts.do(t, http.MethodPost, "/threads/missing/continue", `{"prompt":"more"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should conflict while a run is active", func(t *testing.T) {
		ts := setupServer(t, true)

		id := ts.createThread(t, "slow question")
		ts.waitForStatus(t, id, thread.StatusRunning)

		rec := ts.do(t, http.MethodPost, "/threads/"+id+"/continue", `{"prompt":"and now?"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp map[string]string
		decode(t, rec, &resp)
		assert.Equal(t, "Thread is currently running. Please wait for completion.", resp["error"])

		close(ts.gate)
		ts.waitForStatus(t, id, thread.StatusCompleted)
	})

	t.Run("should queue a follow-up", func(t *testing.T) {
		ts := setupServer(t, false)

		id := ts.createThread(t, "first")
		ts.waitForStatus(t, id, thread.StatusCompleted)

		rec := ts.do(t, http.MethodPost, "/threads/"+id+"/continue", `{"prompt":"second"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp map[string]string
		decode(t, rec, &resp)
		assert.Equal(t, map[string]string{"id": id, "status": "queued"}, resp)

		ts.waitForStatus(t, id, thread.StatusCompleted)
	})
}

func TestMessages(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.createThread(t, "how many orders?")
	ts.waitForStatus(t, id, thread.StatusCompleted)

	t.Run("should reject an invalid cursor", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads/"+id+"/messages?after=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("should return 404 for an unknown thread", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads/missing/messages", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("should return messages after the cursor", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads/"+id+"/messages", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var all PollResponse
		decode(t, rec, &all)
		require.Len(t, all.Messages, 2)
		assert.Equal(t, thread.KindUser, all.Messages[0].Type)
		assert.JSONEq(t, `{"text":"how many orders?"}`, string(all.Messages[0].Content))
		assert.Equal(t, thread.StatusCompleted, all.Thread.Status)

		rec = ts.do(t, http.MethodGet, "/threads/"+id+"/messages?after="+jsonID(all.Messages[0].ID), "")
		var rest PollResponse
		decode(t, rec, &rest)
		require.Len(t, rest.Messages, 1)
		assert.Equal(t, thread.KindAssistant, rest.Messages[0].Type)

		rec = ts.do(t, http.MethodGet, "/threads/"+id+"/messages?after="+jsonID(all.Messages[1].ID), "")
		assert.Contains(t, rec.Body.String(), `"messages":[]`)
	})
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestThreadViews(t *testing.T) {
	ts := setupServer(t, false)
	id := ts.createThread(t, "how many orders?")
	ts.waitForStatus(t, id, thread.StatusCompleted)

	t.Run("should render a thread with resource names", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads/"+id, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]map[string]interface{}
		decode(t, rec, &resp)
		view := resp["thread"]
		assert.Equal(t, id, view["id"])
		assert.Equal(t, "how many orders?", view["title"])
		assert.Equal(t, "completed", view["status"])
		assert.Equal(t, "", view["error"])
		assert.Equal(t, "analytics", view["database_connection_name"])
		assert.Equal(t, "Sonnet", view["model_config_display_name"])
		assert.Equal(t, "anthropic:claude-sonnet-4-5", view["model_config_model_name"])
		_, err := time.Parse(time.RFC3339, view["created_at"].(string))
		assert.NoError(t, err)
	})

	t.Run("should list summaries without the error field", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string][]map[string]interface{}
		decode(t, rec, &resp)
		require.Len(t, resp["threads"], 1)
		_, hasError := resp["threads"][0]["error"]
		assert.False(t, hasError)
	})

	t.Run("should reject an invalid limit", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/threads?limit=-2", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelThread(t *testing.T) {
	ts := setupServer(t, true)
	id := ts.createThread(t, "slow question")
	ts.waitForStatus(t, id, thread.StatusRunning)

	rec := ts.do(t, http.MethodPost, "/threads/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, true, resp["cancelled"])

	ts.waitForStatus(t, id, thread.StatusError)
	th, err := ts.store.GetThread(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "run cancelled", th.Error)

	rec = ts.do(t, http.MethodPost, "/threads/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModelsAndHealth(t *testing.T) {
	ts := setupServer(t, false)

	t.Run("should serve the model catalog", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/models", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var catalog registry.Catalog
		decode(t, rec, &catalog)
		assert.Len(t, catalog.Providers, 3)
		assert.NotEmpty(t, catalog.ModelsByProvider["anthropic"])
	})

	t.Run("should report health", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("should expose metrics", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("should reject unknown methods", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/models", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

// brokenService fails every thread lookup with an unmapped error
type brokenService struct {
	ThreadService
}

func (brokenService) GetThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	return nil, errors.New("database is locked")
}

func TestUnexpectedServiceError(t *testing.T) {
	var logs bytes.Buffer
	srv, err := NewServer(Config{
		Service: brokenService{},
		Logger:  zerolog.New(&logs),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/threads/abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	t.Run("should answer 500 without leaking the cause", func(t *testing.T) {
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Internal Server Error", resp["error"])
	})

	t.Run("should log the cause", func(t *testing.T) {
		assert.Contains(t, logs.String(), "database is locked")
		assert.Contains(t, logs.String(), "Request failed")
	})
}

func TestRateLimit(t *testing.T) {
	ts := setupServer(t, false)
	ts.server.rateLimiter.Stop()
	ts.server.rateLimiter = NewRateLimiter(1)
	ts.handler = ts.server.Handler()

	rec := ts.do(t, http.MethodPost, "/threads", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/threads", `{"prompt":""}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// reads are not limited
	rec = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	req.Header.Set("X-Real-IP", "172.16.0.1")

	t.Run("should ignore proxy headers by default", func(t *testing.T) {
		assert.Equal(t, "10.1.2.3", clientIP(req, false))
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "10.1.2.3", clientIP(req, false))
		req.Header.Del("X-Forwarded-For")
	})

	t.Run("should honor proxy headers when trusted", func(t *testing.T) {
		assert.Equal(t, "172.16.0.1", clientIP(req, true))
		req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
		assert.Equal(t, "203.0.113.9", clientIP(req, true))
	})

	t.Run("should fall back to the raw remote address", func(t *testing.T) {
		bare := httptest.NewRequest(http.MethodGet, "/", nil)
		bare.RemoteAddr = "unix-socket"
		assert.Equal(t, "unix-socket", clientIP(bare, true))
	})
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	ts := setupServer(t, false)
	ts.server.rateLimiter.Stop()
	ts.server.rateLimiter = NewRateLimiter(1)
	ts.handler = ts.server.Handler()

	post := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/threads", strings.NewReader(`{"prompt":""}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, post("198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, post("198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, post("198.51.100.3"))

	t.Run("should key on the forwarded address behind a trusted proxy", func(t *testing.T) {
		ts.server.trustProxy = true
		assert.Equal(t, http.StatusBadRequest, post("198.51.100.4"))
		assert.Equal(t, http.StatusTooManyRequests, post("198.51.100.4"))
	})
}

func TestStream(t *testing.T) {
	ts := setupServer(t, true)
	httpServer := httptest.NewServer(ts.handler)
	defer httpServer.Close()

	id := ts.createThread(t, "slow question")
	ts.waitForStatus(t, id, thread.StatusRunning)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/threads/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first PollResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, thread.StatusRunning, first.Thread.Status)
	require.Len(t, first.Messages, 1)

	close(ts.gate)

	var frames []PollResponse
	for {
		var frame PollResponse
		if err := conn.ReadJSON(&frame); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		frames = append(frames, frame)
	}

	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, thread.StatusCompleted, last.Thread.Status)

	var delivered []MessageView
	for _, f := range frames {
		delivered = append(delivered, f.Messages...)
	}
	require.Len(t, delivered, 1)
	assert.Equal(t, thread.KindAssistant, delivered[0].Type)
}

func TestStreamRejectsUnknownThread(t *testing.T) {
	ts := setupServer(t, false)

	rec := ts.do(t, http.MethodGet, "/threads/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/threads/missing/stream?after=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
