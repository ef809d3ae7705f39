package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	qtesting "github.com/jobgate/evalpulse/internal/testing"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/pulse/poll"
	"github.com/jobgate/evalpulse/pulse/status"
)

// fakeBackend serves StartJob from a per-target table and walks a status script per job
type fakeBackend struct {
	mu       sync.Mutex
	starts   map[string]*evaluation.StartResponse
	startErr map[string]error
	statuses []string
	fetches  map[poll.JobReference]int
}

func newFakeBackend(statuses ...string) *fakeBackend {
	return &fakeBackend{
		starts:   make(map[string]*evaluation.StartResponse),
		startErr: make(map[string]error),
		statuses: statuses,
		fetches:  make(map[poll.JobReference]int),
	}
}

func (f *fakeBackend) StartJob(ctx context.Context, targetID string, force bool) (*evaluation.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.startErr[targetID]; ok {
		return nil, err
	}
	if resp, ok := f.starts[targetID]; ok {
		return resp, nil
	}
	return &evaluation.StartResponse{JobID: poll.JobReference("job-" + targetID)}, nil
}

func (f *fakeBackend) FetchStatus(ctx context.Context, ref poll.JobReference) (*status.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.fetches[ref], len(f.statuses)-1)
	f.fetches[ref]++
	snap := &status.Snapshot{Status: f.statuses[i]}
	if snap.Status == "completed" {
		snap.Result = json.RawMessage(`{"score":8}`)
	}
	return snap, nil
}

type testRelay struct {
	server  *RelayServer
	tracker *evaluation.Tracker
	journal *journal.Journal
	http    *httptest.Server
}

func newTestRelay(t *testing.T, backend evaluation.Backend, interval time.Duration, withJournal bool) *testRelay {
	t.Helper()
	log := zap.NewNop().Sugar()
	tracker := evaluation.NewTracker(backend, poll.Options{Interval: interval, MaxAttempts: 5}, log)

	var j *journal.Journal
	if withJournal {
		j = journal.New(qtesting.CreateTestDB(t), log)
		tracker.AddObserver(j)
	}

	s := New(tracker, j, am.ServerConfig{AllowedOrigins: []string{"http://localhost", "https://app.jobgate.test"}}, log)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop(context.Background())
		ts.Close()
		tracker.Close()
	})
	return &testRelay{server: s, tracker: tracker, journal: j, http: ts}
}

func (r *testRelay) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, r.http.URL+path, reader)
	require.NoError(t, err)
	resp, err := r.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestStartEvaluation_PollsAndJournals(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing", "completed"), 10*time.Millisecond, true)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"answer-42"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	summary := decode[evaluation.Summary](t, resp)
	assert.Equal(t, "answer-42", summary.TargetID)
	assert.Equal(t, poll.JobReference("job-answer-42"), summary.JobID)
	assert.False(t, summary.Immediate)

	waitFor(t, func() bool { return len(relay.tracker.List()) == 0 })

	resp = relay.do(t, http.MethodGet, "/api/evaluations/"+summary.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decode[journal.Entry](t, resp)
	assert.Equal(t, poll.StateCompleted, entry.State)
	assert.Equal(t, 2, entry.Attempts)
	assert.JSONEq(t, `{"score":8}`, string(entry.Result))

	resp = relay.do(t, http.MethodGet, "/api/evaluations/"+summary.ID+"/ticks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ticks := decode[[]journal.TickEntry](t, resp)
	require.Len(t, ticks, 2)
	assert.Equal(t, 1, ticks[0].Attempt)
	assert.Equal(t, "processing", ticks[0].Status)
	assert.Equal(t, "completed", ticks[1].Status)

	resp = relay.do(t, http.MethodGet, "/api/evaluations/unknown/ticks", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartEvaluation_Immediate(t *testing.T) {
	backend := newFakeBackend("processing")
	backend.starts["answer-1"] = &evaluation.StartResponse{Evaluation: json.RawMessage(`{"score":9}`)}
	relay := newTestRelay(t, backend, 10*time.Millisecond, true)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"answer-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[evaluation.Summary](t, resp)
	assert.True(t, summary.Immediate)
	assert.Equal(t, poll.StateCompleted, summary.State)
	assert.JSONEq(t, `{"score":9}`, string(summary.Result))
	assert.Empty(t, relay.tracker.List())
}

func TestStartEvaluation_Errors(t *testing.T) {
	backend := newFakeBackend("processing")
	backend.startErr["dup"] = errors.WithHint(errors.NewConflictError("Evaluation already exists"), "pass --force to re-evaluate")
	backend.startErr["down"] = errors.Mark(errors.New("backend returned 503"), errors.ErrServiceUnavailable)
	relay := newTestRelay(t, backend, 10*time.Millisecond, false)

	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"empty target", `{"target_id":"  "}`, http.StatusBadRequest, "target id is required"},
		{"bad json", `{"target_id":`, http.StatusBadRequest, "invalid request body"},
		{"negative attempts", `{"target_id":"a","max_attempts":-1}`, http.StatusBadRequest, "must be >= 0"},
		{"ceiling overflow", `{"target_id":"a","interval_ms":3600000,"max_attempts":4194304}`, http.StatusBadRequest, "polling ceiling"},
		{"interval overflow", `{"target_id":"a","interval_ms":9223372036854775807}`, http.StatusBadRequest, "interval_ms is too large"},
		{"conflict", `{"target_id":"dup"}`, http.StatusConflict, "Evaluation already exists"},
		{"backend down", `{"target_id":"down"}`, http.StatusBadGateway, "503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := relay.do(t, http.MethodPost, "/api/evaluations", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Contains(t, body.Error, tt.msg)
		})
	}

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"dup"}`)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Hints, "pass --force to re-evaluate")
	assert.Empty(t, relay.tracker.List(), "rejected starts schedule nothing")
}

func TestCancelEvaluation(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, true)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"answer-1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	summary := decode[evaluation.Summary](t, resp)

	resp = relay.do(t, http.MethodGet, "/api/evaluations", "")
	list := decode[[]evaluation.Summary](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, poll.StateRunning, list[0].State)

	resp = relay.do(t, http.MethodDelete, "/api/evaluations/"+summary.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	waitFor(t, func() bool { return len(relay.tracker.List()) == 0 })

	resp = relay.do(t, http.MethodDelete, "/api/evaluations/"+summary.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "cancel is idempotent for known sessions")

	resp = relay.do(t, http.MethodGet, "/api/evaluations/"+summary.ID, "")
	entry := decode[journal.Entry](t, resp)
	assert.Equal(t, poll.StateCancelled, entry.State)

	resp = relay.do(t, http.MethodDelete, "/api/evaluations/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = relay.do(t, http.MethodGet, "/api/evaluations/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("completed"), 10*time.Millisecond, true)

	for _, id := range []string{"a", "b"} {
		resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"`+id+`"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	waitFor(t, func() bool { return len(relay.tracker.List()) == 0 })

	resp := relay.do(t, http.MethodGet, "/api/history?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]journal.Entry](t, resp)
	assert.Len(t, entries, 1)

	resp = relay.do(t, http.MethodGet, "/api/history/stats", "")
	stats := decode[journal.Stats](t, resp)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByState[poll.StateCompleted])

	resp = relay.do(t, http.MethodGet, "/api/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_JournalDisabled(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("completed"), 10*time.Millisecond, false)

	resp := relay.do(t, http.MethodGet, "/api/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Hints, "set journal.enabled = true")
}

func TestHealth(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, true)
	relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"a"}`)

	resp := relay.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
	assert.True(t, health.Journal)
}

func TestCORS(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, false)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, relay.http.URL+"/api/evaluations", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := relay.http.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, relay *testRelay) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(relay.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var hello Event
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, EventHello, hello.Type)

	waitFor(t, func() bool { return relay.server.ClientCount() == 1 })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestWebSocket_StreamsSessionEvents(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing", "completed"), 10*time.Millisecond, false)
	conn := dialWS(t, relay)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"answer-42"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var types []string
	for {
		e := readEvent(t, conn)
		types = append(types, e.Type)
		require.NotNil(t, e.Session)
		assert.Equal(t, "answer-42", e.Session.TargetID)
		if e.Type == EventSessionFinished {
			assert.Equal(t, poll.StateCompleted, e.State)
			assert.JSONEq(t, `{"score":8}`, string(e.Result))
			break
		}
	}
	assert.Equal(t, []string{EventSessionStarted, EventSessionTick, EventSessionTick, EventSessionFinished}, types)
}

func TestWebSocket_ClientMessages(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, false)
	conn := dialWS(t, relay)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"a"}`)
	summary := decode[evaluation.Summary](t, resp)
	// started + first tick
	readEvent(t, conn)
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "list"}))
	e := readEvent(t, conn)
	require.Equal(t, EventSessions, e.Type)
	require.Len(t, e.Sessions, 1)
	assert.Equal(t, summary.ID, e.Sessions[0].ID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "cancel", ID: "nope"}))
	e = readEvent(t, conn)
	assert.Equal(t, EventError, e.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "cancel", ID: summary.ID}))
	e = readEvent(t, conn)
	assert.Equal(t, EventSessionCancelled, e.Type)
	assert.Equal(t, summary.ID, e.Session.ID)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, false)

	url := "ws" + strings.TrimPrefix(relay.http.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestApplyConfig(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, false)
	conn := dialWS(t, relay)

	cfg := &am.Config{Poll: am.PollConfig{IntervalMS: 250, MaxAttempts: 12}}
	require.NoError(t, relay.server.applyConfig(cfg))

	assert.Equal(t, 250*time.Millisecond, relay.tracker.Defaults().Interval)
	assert.Equal(t, 12, relay.tracker.Defaults().MaxAttempts)

	e := readEvent(t, conn)
	assert.Equal(t, EventConfigReloaded, e.Type)
	assert.Equal(t, 12, e.Max)
	assert.Equal(t, int64(250), e.Interval)
}

func TestStop_CancelsSessionsAndRejectsStarts(t *testing.T) {
	relay := newTestRelay(t, newFakeBackend("processing"), time.Hour, false)

	resp := relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"a"}`)
	summary := decode[evaluation.Summary](t, resp)
	h, ok := relay.tracker.Get(summary.ID)
	require.True(t, ok)

	require.NoError(t, relay.server.Stop(context.Background()))
	assert.Equal(t, poll.StateCancelled, h.State())
	assert.Equal(t, ServerStateStopped, relay.server.State())

	resp = relay.do(t, http.MethodPost, "/api/evaluations", `{"target_id":"b"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// a handler that passed the state check before Stop still cannot start a session
	_, err := relay.tracker.StartEvaluation(context.Background(), "c", evaluation.Options{})
	assert.True(t, errors.IsCancelled(err))
	assert.Empty(t, relay.tracker.List())

	resp = relay.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, relay.server.Stop(context.Background()), "stop is idempotent")
}

func TestServe_StopsCleanly(t *testing.T) {
	tracker := evaluation.NewTracker(newFakeBackend("processing"), poll.Options{Interval: time.Hour, MaxAttempts: 5}, zap.NewNop().Sugar())
	defer tracker.Close()
	s := New(tracker, nil, am.ServerConfig{}, zap.NewNop().Sugar())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(listener) }()

	url := "http://" + listener.Addr().String() + "/health"
	waitFor(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errors.NewInvalidRequestError("bad"), http.StatusBadRequest},
		{errors.NewConflictError("dup"), http.StatusConflict},
		{errors.NewNotFoundError("gone"), http.StatusNotFound},
		{errors.Wrap(errors.ErrCancelled, "tracker is closed"), http.StatusServiceUnavailable},
		{errors.NewTimeoutError("slow"), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}

func TestOriginAllowed(t *testing.T) {
	s := &RelayServer{allowedOrigins: []string{"http://localhost"}}
	assert.True(t, s.originAllowed("http://localhost:3000"))
	assert.False(t, s.originAllowed("http://example.com"))

	s.allowedOrigins = nil
	assert.True(t, s.originAllowed("http://127.0.0.1:8080"))
	assert.False(t, s.originAllowed("https://example.com"))

	s.allowedOrigins = []string{"*"}
	assert.True(t, s.originAllowed("https://example.com"))
}
