package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
	"github.com/kibble/kibble/internal/session/models"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// sessionServer is a live endpoint that hands accepted connections to the test.
type sessionServer struct {
	srv      *httptest.Server
	hits     int32
	reject   atomic.Bool
	conns    chan *websocket.Conn
	received chan []byte

	mu      sync.Mutex
	headers []http.Header
	open    []*websocket.Conn
}

func newSessionServer(t *testing.T) *sessionServer {
	t.Helper()
	s := &sessionServer{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan []byte, 64),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		s.mu.Lock()
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		if s.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.open = append(s.open, conn)
		s.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				s.received <- data
			}
		}()
		s.conns <- conn
	}))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.open {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

func (s *sessionServer) endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sessionServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (s *sessionServer) hitCount() int {
	return int(atomic.LoadInt32(&s.hits))
}

func testConfig(endpoint string) config.TransportConfig {
	return config.TransportConfig{
		Endpoint:             endpoint,
		PageOrigin:           "http://localhost:3000",
		ReconnectDelayMs:     50,
		MaxReconnectAttempts: 5,
		ReconnectThrottleMs:  10,
		KeepaliveIntervalMs:  1000,
		PollIntervalMs:       20,
		WriteTimeoutMs:       1000,
		HandshakeTimeoutMs:   1000,
	}
}

func newTestManager(t *testing.T, cfg config.TransportConfig, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, logger.NewNop(), opts...)
	t.Cleanup(m.Close)
	return m
}

// recorder captures callback invocations from the delivery goroutine.
type recorder struct {
	mu              sync.Mutex
	events          []string
	disconnectErrs  []error
	questions       []*models.AgentQuestion
	contentIDs      []string
	modes           []Mode
	pollerOnDisconn []bool
	fetches         int32
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.events {
		if x == e {
			n++
		}
	}
	return n
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) lastMode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.modes) == 0 {
		return ""
	}
	return r.modes[len(r.modes)-1]
}

func (r *recorder) callbacks(m **Manager) Callbacks {
	return Callbacks{
		OnConnect: func() { r.add("connect") },
		OnDisconnect: func(err error) {
			r.mu.Lock()
			r.disconnectErrs = append(r.disconnectErrs, err)
			if m != nil && *m != nil {
				r.pollerOnDisconn = append(r.pollerOnDisconn, (*m).Status().PollerRunning)
			}
			r.mu.Unlock()
			r.add("disconnect")
		},
		OnContentUpdated: func(id string) {
			r.mu.Lock()
			r.contentIDs = append(r.contentIDs, id)
			r.mu.Unlock()
			r.add("content_updated")
		},
		OnQuestion: func(q *models.AgentQuestion) {
			r.mu.Lock()
			r.questions = append(r.questions, q)
			r.mu.Unlock()
			r.add("question")
		},
		OnError: func(string) { r.add("error") },
		OnModeChanged: func(mode Mode) {
			r.mu.Lock()
			r.modes = append(r.modes, mode)
			r.mu.Unlock()
		},
		FetchNewMessages: func(ctx context.Context) error {
			atomic.AddInt32(&r.fetches, 1)
			return nil
		},
	}
}

func (r *recorder) fetchCount() int {
	return int(atomic.LoadInt32(&r.fetches))
}

func TestManager_SecureOriginForcesPolling(t *testing.T) {
	srv := newSessionServer(t)
	cfg := testConfig(srv.endpoint())
	cfg.PageOrigin = "https://app.example.com"

	m := newTestManager(t, cfg)
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))

	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)
	rec.mu.Lock()
	assert.ErrorIs(t, rec.disconnectErrs[0], ErrLiveUnavailable)
	rec.mu.Unlock()

	assert.True(t, m.IsPollingMode())
	assert.Equal(t, ModePolling, m.Mode())
	require.Eventually(t, func() bool { return rec.fetchCount() >= 2 }, waitFor, tick)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, srv.hitCount())
	assert.Equal(t, 0, rec.count("connect"))
	assert.Equal(t, 1, rec.count("disconnect"))
	assert.False(t, m.Status().ReconnectPending)
}

func TestManager_ForcedPollingIsDecidedOnce(t *testing.T) {
	srv := newSessionServer(t)
	var viable atomic.Bool
	var checks int32
	selector := SelectorFunc(func() bool {
		atomic.AddInt32(&checks, 1)
		return viable.Load()
	})

	m := newTestManager(t, testConfig(srv.endpoint()), WithModeSelector(selector))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	require.True(t, m.IsPollingMode())

	viable.Store(true)
	m.Connect("s1", rec.callbacks(nil))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.IsPollingMode())
	assert.Equal(t, int32(1), atomic.LoadInt32(&checks))
	assert.Equal(t, 0, srv.hitCount())

	m.Disconnect()
	assert.False(t, m.IsPollingMode())
}

func TestManager_OpenDeliversQuestion(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))

	conn := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{
		"type":"question",
		"question":{"id":"q1","question":"Which database?","header":"Storage",
			"options":[{"id":"pg","label":"Postgres","description":"relational"},{"id":"redis","label":"Redis","description":"kv"}],
			"multi_select":true}
	}`)))

	require.Eventually(t, func() bool { return rec.count("question") == 1 }, waitFor, tick)
	want := &models.AgentQuestion{
		ID:       "q1",
		Question: "Which database?",
		Header:   "Storage",
		Options: []models.QuestionOption{
			{ID: "pg", Label: "Postgres", Description: "relational"},
			{ID: "redis", Label: "Redis", Description: "kv"},
		},
		MultiSelect: true,
	}
	rec.mu.Lock()
	assert.Equal(t, want, rec.questions[0])
	rec.mu.Unlock()

	st := m.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.PollerRunning)
	assert.Equal(t, ModeLive, st.Mode)
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsConnecting())
	assert.False(t, m.IsPollingMode())
}

func TestManager_SendsOriginAndAuthorization(t *testing.T) {
	srv := newSessionServer(t)
	cfg := testConfig(srv.endpoint())
	cfg.AuthToken = "tok"

	m := newTestManager(t, cfg)
	m.Connect("abc", Callbacks{})
	srv.accept(t)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.headers, 1)
	assert.Equal(t, "http://localhost:3000", srv.headers[0].Get("Origin"))
	assert.Equal(t, "Bearer tok", srv.headers[0].Get("Authorization"))
}

func TestManager_ReconnectsAfterUnexpectedClose(t *testing.T) {
	srv := newSessionServer(t)
	var m *Manager
	m = newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(&m))

	stop := make(chan struct{})
	violations := int32(0)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if st := m.Status(); st.Connected && st.PollerRunning {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer close(stop)

	first := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)
	rec.mu.Lock()
	assert.ErrorIs(t, rec.disconnectErrs[0], ErrConnectionLost)
	assert.Equal(t, []bool{true}, rec.pollerOnDisconn)
	rec.mu.Unlock()

	srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 2 }, waitFor, tick)

	st := m.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.PollerRunning)
	assert.Equal(t, 0, st.ReconnectAttempts)
	assert.Equal(t, int32(0), atomic.LoadInt32(&violations))
	require.Eventually(t, func() bool { return rec.lastMode() == ModeLive }, waitFor, tick)
}

func TestManager_CleanCloseReportsNilError(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))

	conn := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)
	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)
	rec.mu.Lock()
	assert.NoError(t, rec.disconnectErrs[0])
	rec.mu.Unlock()
}

func TestManager_StopsAfterMaxReconnectAttempts(t *testing.T) {
	srv := newSessionServer(t)
	srv.reject.Store(true)
	cfg := testConfig(srv.endpoint())
	cfg.ReconnectDelayMs = 20
	cfg.ReconnectThrottleMs = 5

	m := newTestManager(t, cfg)
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))

	require.Eventually(t, func() bool { return rec.count("disconnect") == 5 }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 5, srv.hitCount())
	assert.Equal(t, 5, rec.count("disconnect"))
	assert.Equal(t, 0, rec.count("connect"))

	st := m.Status()
	assert.True(t, st.Exhausted)
	assert.False(t, st.ReconnectPending)
	assert.True(t, st.PollerRunning)
	assert.Equal(t, ModePolling, st.Mode)

	srv.reject.Store(false)
	m.Retry()
	srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)
	assert.False(t, m.Status().Exhausted)
	assert.Equal(t, 6, srv.hitCount())
}

func TestManager_ZeroAttemptsNeverReconnects(t *testing.T) {
	srv := newSessionServer(t)
	srv.reject.Store(true)
	cfg := testConfig(srv.endpoint())
	cfg.MaxReconnectAttempts = 0

	m := newTestManager(t, cfg)
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))

	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, srv.hitCount())
}

func TestManager_SendWhileDisconnectedLogsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := NewManager(testConfig("ws://127.0.0.1:1"), logger.FromZap(zap.New(core)))
	defer m.Close()

	rec := &recorder{}
	assert.NotPanics(t, func() {
		m.SendMessage("hello")
		m.SendCommand("commit", nil)
		m.SendAnswer("q1", []string{"a"}, "")
	})

	assert.Equal(t, 3, logs.FilterMessage("cannot send - not connected").Len())
	assert.Empty(t, rec.snapshot())
}

func TestManager_SendWhileConnected(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, tick)

	m.SendMessage("hello")
	m.SendCommand("create_pr", map[string]string{"title": "Add feature"})
	m.SendAnswer("q1", []string{"pg"}, "")

	expect := []string{
		`{"type":"message","content":"hello"}`,
		`{"type":"command","action":"create_pr","title":"Add feature"}`,
		`{"type":"answer","question_id":"q1","answers":["pg"]}`,
	}
	for _, want := range expect {
		select {
		case got := <-srv.received:
			assert.JSONEq(t, want, string(got))
		case <-time.After(waitFor):
			t.Fatalf("server did not receive %s", want)
		}
	}
}

func TestManager_MalformedFramesAreDropped(t *testing.T) {
	srv := newSessionServer(t)
	core, logs := observer.New(zapcore.ErrorLevel)
	m := NewManager(testConfig(srv.endpoint()), logger.FromZap(zap.New(core)))
	defer m.Close()

	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	conn := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)

	for _, raw := range []string{`not json`, `{"no_type":true}`, `[]`, `{"type":"content_updated","message_id":"m1"}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	require.Eventually(t, func() bool { return rec.count("content_updated") == 1 }, waitFor, tick)
	assert.Equal(t, []string{"connect", "content_updated"}, rec.snapshot())
	assert.Equal(t, 3, logs.FilterMessage("dropping malformed frame").Len())
	assert.True(t, m.IsConnected())
}

func TestManager_PreservesWireOrder(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	conn := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)

	var want []string
	for i := 0; i < 25; i++ {
		id := "m" + string(rune('a'+i))
		want = append(want, id)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"content_updated","message_id":"`+id+`"}`)))
	}

	require.Eventually(t, func() bool { return rec.count("content_updated") == 25 }, waitFor, tick)
	rec.mu.Lock()
	assert.Equal(t, want, rec.contentIDs)
	rec.mu.Unlock()
}

func TestManager_DisconnectReleasesEverything(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	conn := srv.accept(t)
	require.Eventually(t, func() bool { return rec.lastMode() == ModeLive }, waitFor, tick)

	m.Disconnect()
	before := rec.snapshot()

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","message":"late"}`))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, before, rec.snapshot())
	assert.Equal(t, 1, srv.hitCount())

	st := m.Status()
	assert.Equal(t, ModeIdle, st.Mode)
	assert.False(t, st.Connected)
	assert.False(t, st.PollerRunning)
	assert.False(t, st.ReconnectPending)
	assert.Empty(t, st.SessionID)

	assert.NotPanics(t, m.Disconnect)
	assert.Equal(t, before, rec.snapshot())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newSessionServer(t)
	srv.reject.Store(true)
	cfg := testConfig(srv.endpoint())
	cfg.ReconnectDelayMs = 100

	m := newTestManager(t, cfg)
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)
	require.True(t, m.Status().ReconnectPending)

	m.Disconnect()
	fetches := rec.fetchCount()
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 1, srv.hitCount())
	assert.Equal(t, 1, rec.count("disconnect"))
	assert.LessOrEqual(t, rec.fetchCount(), fetches+1)
}

func TestManager_ThrottledConnectPollsThenDials(t *testing.T) {
	srv := newSessionServer(t)
	cfg := testConfig(srv.endpoint())
	cfg.ReconnectThrottleMs = 200
	cfg.ReconnectDelayMs = 400

	m := newTestManager(t, cfg)
	rec := &recorder{}
	m.Connect("s1", rec.callbacks(nil))
	first := srv.accept(t)
	require.Eventually(t, func() bool { return rec.count("connect") == 1 }, waitFor, tick)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return rec.count("disconnect") == 1 }, waitFor, tick)

	rec2 := &recorder{}
	m.Connect("s1", rec2.callbacks(nil))
	st := m.Status()
	assert.Equal(t, ModePolling, st.Mode)
	assert.True(t, st.PollerRunning)
	assert.True(t, st.ReconnectPending)
	assert.Equal(t, 1, srv.hitCount())

	srv.accept(t)
	require.Eventually(t, func() bool { return rec2.count("connect") == 1 }, waitFor, tick)
	assert.Equal(t, 1, rec.count("connect"))
}

func TestManager_CallbackPanicDoesNotStopDelivery(t *testing.T) {
	srv := newSessionServer(t)
	m := newTestManager(t, testConfig(srv.endpoint()))
	var errors int32
	m.Connect("s1", Callbacks{
		OnContentUpdated: func(string) { panic("boom") },
		OnError:          func(string) { atomic.AddInt32(&errors, 1) },
	})
	conn := srv.accept(t)
	require.Eventually(t, m.IsConnected, waitFor, tick)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"content_updated"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error"}`)))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&errors) == 1 }, waitFor, tick)
}

func TestManager_ClosedManagerIgnoresConnect(t *testing.T) {
	srv := newSessionServer(t)
	m := NewManager(testConfig(srv.endpoint()), logger.NewNop())
	m.Close()
	m.Close()

	m.Connect("s1", Callbacks{})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, srv.hitCount())
	assert.Equal(t, ModeIdle, m.Mode())
}
