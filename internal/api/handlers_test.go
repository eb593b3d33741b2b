package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/chat-shell/internal/core"
	"gwi.com/chat-shell/internal/logging"
	"gwi.com/chat-shell/internal/metrics"
	"gwi.com/chat-shell/internal/store"
)

type testServer struct {
	*httptest.Server
	sessions *core.SessionStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	// Handlers and websocket loops may log after the test returns, so no zaptest here.
	logger := logging.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sessions := core.NewSessionStore(context.Background(), store.NewMemoryStore(), core.SessionStoreOptions{
		Logger:  logger,
		Metrics: m,
	})
	handler := NewAPIHandler(core.NewChatService(sessions, logger), logger, nil)
	srv := httptest.NewServer(NewRouter(handler, m, reg))

	t.Cleanup(func() {
		srv.Close()
		sessions.Close(context.Background())
	})
	return &testServer{Server: srv, sessions: sessions}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	status, body := srv.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","hydrated":true}`, string(body))
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodPut, "/api/sessions",
		`[{"session_id":"a","title":"A","created_at":"2024-01-01"},{"session_id":"b","title":"B","created_at":"2024-06-01"}]`)
	require.Equal(t, http.StatusOK, status, string(body))
	sessions := decodeInto[[]store.Session](t, body)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].SessionID)

	status, body = srv.do(t, http.MethodPost, "/api/sessions", `{"session_id":"c","title":"C","created_at":"2020-01-01"}`)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = srv.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, status)
	sessions = decodeInto[[]store.Session](t, body)
	assert.Equal(t, "c", sessions[0].SessionID)

	status, _ = srv.do(t, http.MethodPost, "/api/sessions", `{"session_id":"c"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = srv.do(t, http.MethodPatch, "/api/sessions/c", `{"title":"renamed"}`)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = srv.do(t, http.MethodPatch, "/api/sessions/zzz", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "renamed", srv.sessions.GetSessions()[0].Title)

	status, _ = srv.do(t, http.MethodPut, "/api/state/current-session", `{"session_id":"c"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = srv.do(t, http.MethodPut, "/api/state/current-session", `{"session_id":"zzz"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = srv.do(t, http.MethodDelete, "/api/sessions/c", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = srv.do(t, http.MethodDelete, "/api/sessions/c", "")
	assert.Equal(t, http.StatusNotFound, status)
	current, ok := srv.sessions.CurrentSessionID()
	require.True(t, ok)
	assert.Equal(t, "c", current)

	status, _ = srv.do(t, http.MethodDelete, "/api/sessions", "")
	assert.Equal(t, http.StatusNoContent, status)
	st := srv.sessions.Snapshot()
	assert.Empty(t, st.Sessions)
	assert.Nil(t, st.CurrentSession)
}

func TestStartSessionAndMessages(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodPost, "/api/sessions/start", `{"title":"Hello"}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	sess := decodeInto[store.Session](t, body)
	assert.NotEmpty(t, sess.SessionID)

	status, body = srv.do(t, http.MethodPost, "/api/messages", `{"role":"user","content":"hi"}`)
	require.Equal(t, http.StatusCreated, status, string(body))
	msg := decodeInto[store.Message](t, body)
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, sess.SessionID, msg.SessionID)

	status, _ = srv.do(t, http.MethodPost, "/api/messages", `{"content":"no role"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodPatch, "/api/messages/"+msg.MessageID, `{"content":"edited","negative_feedback":true}`)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = srv.do(t, http.MethodPatch, "/api/messages/missing", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = srv.do(t, http.MethodGet, "/api/messages", "")
	require.Equal(t, http.StatusOK, status)
	msgs := decodeInto[[]store.Message](t, body)
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Content)
	assert.True(t, msgs[0].NegativeFeedback)

	status, _ = srv.do(t, http.MethodPut, "/api/messages", `[{"message_id":"x"},{"message_id":"x"}]`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = srv.do(t, http.MethodDelete, "/api/messages", "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Empty(t, srv.sessions.Messages())
	assert.Len(t, srv.sessions.GetSessions(), 1)
}

func TestTitleAndFlags(t *testing.T) {
	srv := newTestServer(t)

	status, _ := srv.do(t, http.MethodPut, "/api/state/title", `{"title":"Working"}`)
	assert.Equal(t, http.StatusOK, status)

	status, body := srv.do(t, http.MethodPatch, "/api/state/flags", `{"sending":true,"shouldStream":true}`)
	require.Equal(t, http.StatusOK, status)
	snap := decodeInto[core.Snapshot](t, body)
	assert.Equal(t, "Working", snap.Title)
	assert.True(t, snap.Sending)
	assert.True(t, snap.ShouldStream)
	assert.False(t, snap.IsLoading)

	status, _ = srv.do(t, http.MethodPatch, "/api/state/flags", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodPatch, "/api/state/flags", `{"sending":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = srv.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, status)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &raw))
	for _, key := range []string{"version", "current_session", "sessions", "messages", "title", "isLoading", "isStreaming", "sending", "shouldStream"} {
		assert.Contains(t, raw, key)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.do(t, http.MethodPut, "/api/state/title", `{"title":"x"}`)

	// Request metrics are recorded after the response is flushed.
	assert.Eventually(t, func() bool {
		resp, err := srv.Client().Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK &&
			strings.Contains(string(body), `chatshell_store_mutations_total{operation="setTitle"} 1`) &&
			strings.Contains(string(body), `chatshell_http_requests_total{method="PUT",route="/api/state/title",status="200"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateStream(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first core.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "", first.Title)

	status, _ := srv.do(t, http.MethodPut, "/api/state/title", `{"title":"streamed"}`)
	require.Equal(t, http.StatusOK, status)

	// Snapshots may be coalesced; read until the title shows up.
	for {
		var snap core.Snapshot
		require.NoError(t, wsjson.Read(ctx, conn, &snap))
		assert.Greater(t, snap.Version, first.Version)
		if snap.Title == "streamed" {
			break
		}
	}
}

func TestOfferLatestKeepsNewest(t *testing.T) {
	ch := make(chan core.Snapshot, 1)
	offerLatest(ch, core.Snapshot{Version: 2})
	offerLatest(ch, core.Snapshot{Version: 1})
	offerLatest(ch, core.Snapshot{Version: 5})
	offerLatest(ch, core.Snapshot{Version: 3})

	got := <-ch
	assert.Equal(t, uint64(5), got.Version)
	assert.Empty(t, ch)
}

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := logging.NewNop()

	sessions := core.NewSessionStore(context.Background(), store.NewMemoryStore(), core.SessionStoreOptions{Logger: logger})
	defer sessions.Close(context.Background())
	router := NewRouter(NewAPIHandler(core.NewChatService(sessions, logger), logger, nil), m, reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/api/sessions/abc", bytes.NewBufferString(`{"title":"x"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	families, err := reg.Gather()
	require.NoError(t, err)
	routes := map[string]bool{}
	for _, f := range families {
		if f.GetName() != "chatshell_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "route" {
					routes[l.GetValue()] = true
				}
			}
		}
	}
	assert.True(t, routes["/api/sessions/{sessionID}"], routes)
	assert.True(t, routes["unmatched"], routes)
}
