package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/muselab/agentlink/internal/agent"
	"github.com/muselab/agentlink/internal/config"
	"github.com/muselab/agentlink/internal/transcript"
)

type fakeController struct {
	mu          sync.Mutex
	status      agent.Status
	connects    atomic.Int32
	disconnects atomic.Int32
	micMuted    bool
	agentMuted  bool
	events      chan agent.Event
}

func newFakeController() *fakeController {
	return &fakeController{
		status: agent.Status{State: agent.StateIdle, Message: "Ready to connect"},
		events: make(chan agent.Event, 16),
	}
}

func (c *fakeController) Connect(context.Context) error {
	c.connects.Add(1)
	return nil
}

func (c *fakeController) Disconnect() { c.disconnects.Add(1) }

func (c *fakeController) Status() agent.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.status
	s.MicMuted = c.micMuted
	s.AgentMuted = c.agentMuted
	return s
}

func (c *fakeController) Subscribe() (<-chan agent.Event, func()) {
	return c.events, func() {}
}

func (c *fakeController) SetMicrophoneMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.micMuted = muted
}

func (c *fakeController) SetAgentAudioMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentMuted = muted
}

func newTestServer(t *testing.T) (*Server, *fakeController, *transcript.InMemoryStore) {
	t.Helper()
	controller := newFakeController()
	store := transcript.NewInMemoryStore()
	srv := New(config.Config{AllowAnyOrigin: true}, controller, store, nil, zerolog.Nop())
	return srv, controller, store
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestConnectIsAsynchronous(t *testing.T) {
	srv, controller, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/agent/connect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/agent/connect error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(time.Second)
	for controller.connects.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("controller.Connect never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDisconnectInvokesController(t *testing.T) {
	srv, controller, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/agent/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/agent/disconnect error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if controller.disconnects.Load() != 1 {
		t.Fatal("controller.Disconnect not invoked")
	}
}

func TestStatusEndpointReportsSnapshot(t *testing.T) {
	srv, controller, _ := newTestServer(t)
	controller.status = agent.Status{State: agent.StateConnected, Message: "Connected to studio", RoomName: "studio"}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/agent/status")
	if err != nil {
		t.Fatalf("GET /v1/agent/status error = %v", err)
	}
	defer resp.Body.Close()

	var got agent.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if got.State != agent.StateConnected || got.RoomName != "studio" {
		t.Fatalf("status = %+v", got)
	}
}

func TestMicrophoneToggle(t *testing.T) {
	srv, controller, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/agent/microphone", "application/json", strings.NewReader(`{"muted":true}`))
	if err != nil {
		t.Fatalf("POST /v1/agent/microphone error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	controller.mu.Lock()
	muted := controller.micMuted
	controller.mu.Unlock()
	if !muted {
		t.Fatal("microphone mute not applied")
	}

	bad, err := http.Post(ts.URL+"/v1/agent/microphone", "application/json", strings.NewReader(`{`))
	if err != nil {
		t.Fatalf("POST invalid body error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d, want 400", bad.StatusCode)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	srv, _, store := newTestServer(t)
	ctx := context.Background()
	for _, content := range []string{"hello", "world", "again"} {
		if err := store.Append(ctx, transcript.Turn{SessionID: "s1", Role: transcript.RoleUser, Content: content}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/agent/transcript?limit=2")
	if err != nil {
		t.Fatalf("GET /v1/agent/transcript error = %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Turns []transcript.Turn `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if len(body.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(body.Turns))
	}

	bad, err := http.Get(ts.URL + "/v1/agent/transcript?limit=-1")
	if err != nil {
		t.Fatalf("GET invalid limit error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid limit status = %d, want 400", bad.StatusCode)
	}
}

func TestEventsWebsocketStreamsStatusAndTurns(t *testing.T) {
	srv, controller, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/agent/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first wsEvent
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame error = %v", err)
	}
	if first.Type != "status" || first.Status == nil || first.Status.State != agent.StateIdle {
		t.Fatalf("first frame = %+v, want current status", first)
	}

	turn := transcript.Turn{SessionID: "s1", Role: transcript.RoleAssistant, Content: "hello there"}
	controller.events <- agent.Event{Turn: &turn}

	var second wsEvent
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame error = %v", err)
	}
	if second.Type != "transcript_turn" || second.Turn == nil || second.Turn.Content != "hello there" {
		t.Fatalf("second frame = %+v, want transcript turn", second)
	}
}
