package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suever/MATL-Online/internal/domain"
)

type stubQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (q *stubQueue) Publish(ctx context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) Subscribe(ctx context.Context, ready <-chan struct{}) (<-chan domain.Job, error) {
	return nil, nil
}

func (q *stubQueue) Acknowledge(ctx context.Context, rawID string) error {
	return nil
}

func (q *stubQueue) published() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Job(nil), q.jobs...)
}

type stubCancels struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubCancels) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, jobID)
	return nil
}

func (s *stubCancels) SubscribeCancels(ctx context.Context) (<-chan string, error) {
	return nil, nil
}

func (s *stubCancels) cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type stubResults struct {
	result domain.StatusPayload
	err    error
}

func (s *stubResults) StoreResult(ctx context.Context, jobID string, result domain.StatusPayload) error {
	return nil
}

func (s *stubResults) AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (domain.StatusPayload, error) {
	return s.result, s.err
}

type hubFixture struct {
	hub     *Hub
	server  *httptest.Server
	queue   *stubQueue
	cancels *stubCancels
	results *stubResults
}

func newHubFixture(t *testing.T, mutate func(*HubConfig)) *hubFixture {
	t.Helper()

	f := &hubFixture{
		queue:   &stubQueue{},
		cancels: &stubCancels{},
		results: &stubResults{},
	}
	cfg := HubConfig{
		Queue:          f.queue,
		Cancels:        f.cancels,
		Results:        f.results,
		DefaultVersion: "20.0.0",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.hub = NewHub(cfg, nil)
	f.server = httptest.NewServer(f.hub.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *hubFixture) dial(t *testing.T, session string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if session != "" {
		u += "?session=" + url.QueryEscape(session)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, domain.EventConnection, frame.Event)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Event: event, Data: raw}))
}

func TestConnectionEventCarriesSession(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?session=abc"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventConnection, frame.Event)
	assert.JSONEq(t, `{"session_id":"abc"}`, string(frame.Data))
}

func TestSubmitEnqueuesAndRelaysEvents(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	conn := f.dial(t, "abc")

	send(t, conn, "submit", map[string]string{"uid": "room-1", "code": "D", "inputs": "12", "version": "bad version"})
	require.Eventually(t, func() bool { return len(f.queue.published()) == 1 }, 2*time.Second, 5*time.Millisecond)

	job := f.queue.published()[0]
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.RunParams("D", "20.0.0").WithInputs("12").WithSession("room-1"), job.Params)

	event, err := domain.NewEvent("room-1", domain.EventStatus, domain.StatusPayload{
		Data:    []domain.Fragment{{Type: domain.FragmentStdout, Value: "12"}},
		Session: "room-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.hub.Deliver(event))

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventStatus, frame.Event)
	assert.JSONEq(t, `{"data":[{"type":"stdout","value":"12"}],"session":"room-1"}`, string(frame.Data))

	// Rooms nobody joined are dropped.
	other, err := domain.NewEvent("elsewhere", domain.EventComplete, domain.Completed())
	require.NoError(t, err)
	assert.Equal(t, 0, f.hub.Deliver(other))
}

func TestSubmitDefaultsRoomToSession(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	conn := f.dial(t, "abc")

	send(t, conn, "submit", map[string]string{"code": "1", "version": "19.1.0"})
	require.Eventually(t, func() bool { return len(f.queue.published()) == 1 }, 2*time.Second, 5*time.Millisecond)

	params := f.queue.published()[0].Params
	assert.Equal(t, "abc", params.SessionID)
	assert.Equal(t, "19.1.0", params.Version)
}

func TestKillWithoutJobStillCompletes(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	conn := f.dial(t, "abc")

	// Empty code is ignored.
	send(t, conn, "submit", map[string]string{"code": ""})
	send(t, conn, "kill", map[string]string{})

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventComplete, frame.Event)
	assert.JSONEq(t, `{"success":false,"message":"User terminated the job"}`, string(frame.Data))
	assert.Empty(t, f.queue.published())
	assert.Empty(t, f.cancels.cancelled())
}

func TestKillCancelsRecordedJob(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	conn := f.dial(t, "abc")

	send(t, conn, "submit", map[string]string{"code": "`T"})
	require.Eventually(t, func() bool { return len(f.queue.published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	send(t, conn, "kill", map[string]string{})

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventComplete, frame.Event)
	assert.Equal(t, []string{f.queue.published()[0].ID}, f.cancels.cancelled())

	// The handle is cleared after one kill.
	send(t, conn, "kill", map[string]string{})
	readFrame(t, conn)
	assert.Len(t, f.cancels.cancelled(), 1)
}

func TestSubmitIsRateLimited(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, func(cfg *HubConfig) {
		cfg.Limiter = NewRateLimiter(0.001, 1)
	})
	conn := f.dial(t, "abc")

	send(t, conn, "submit", map[string]string{"code": "1"})
	send(t, conn, "submit", map[string]string{"code": "2"})

	frame := readFrame(t, conn)
	assert.Equal(t, domain.EventComplete, frame.Event)
	assert.JSONEq(t, `{"success":false,"message":"`+ThrottledMessage+`"}`, string(frame.Data))
	assert.Len(t, f.queue.published(), 1)
}

func TestRunFansOutEvents(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	a := f.dial(t, "shared")
	b := f.dial(t, "shared")

	events := make(chan domain.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx, events)

	event, err := domain.NewEvent("shared", domain.EventComplete, domain.Completed())
	require.NoError(t, err)
	events <- event

	for _, conn := range []*websocket.Conn{a, b} {
		frame := readFrame(t, conn)
		assert.Equal(t, domain.EventComplete, frame.Event)
		assert.JSONEq(t, `{"success":true,"message":""}`, string(frame.Data))
	}
}

func TestExplainReturnsStoredResult(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	f.results.result = domain.StatusPayload{Data: []domain.Fragment{{Type: domain.FragmentStdout2, Value: "1  push 1"}}}

	resp, err := http.PostForm(f.server.URL+"/explain", url.Values{"code": {"1"}, "version": {"20.0.0"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.StatusPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, f.results.result.Data, got.Data)

	jobs := f.queue.published()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.ExplainParams("1", "20.0.0"), jobs[0].Params)
}

func TestExplainTimesOut(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, nil)
	f.results.err = domain.ErrNoResult

	resp, err := http.Post(f.server.URL+"/explain", "application/json", strings.NewReader(`{"code":"1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestCORSRestrictsOrigins(t *testing.T) {
	t.Parallel()

	f := newHubFixture(t, func(cfg *HubConfig) {
		cfg.AllowedOrigins = []string{"https://matl.example"}
	})
	handler := f.hub.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/explain", nil)
	req.Header.Set("Origin", "https://matl.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://matl.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/explain", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
