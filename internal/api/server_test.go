package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/config"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/memory"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/search"
	"github.com/chalkboard-ai/chalkboard/internal/session"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
	"github.com/chalkboard-ai/chalkboard/internal/tools"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
)

const testAPIKey = "test-api-key"

type testServer struct {
	srv  *Server
	http *httptest.Server
	bus  *bus.Bus
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Addr = ":0"
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLite(":memory:", 1, 1)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	encKey := make([]byte, 32)
	tm, err := token.NewManager(st, "test-signing-key-at-least-32-chars!!", encKey, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	al := audit.NewLogger(st, nil)
	mc := metrics.New()
	b := bus.New(cfg.Notify.SubscriberBuffer, nil)
	locks := store.NewSessionLocks()
	as := auth.NewService(testAPIKey, map[string][]string{
		"ops": {"read", "write", "admin"},
	})
	sessions := session.New(st, locks, b, nil, al, mc, nil)

	d := tools.NewDispatcher(tm, al, mc, nil)
	tools.RegisterAll(d, tools.Deps{
		Store:    st,
		Auth:     as,
		Tokens:   tm,
		Sessions: sessions,
		Memory:   memory.New(st, b, al, nil),
		Search:   search.New(st, nil),
		Bus:      b,
		Audit:    al,
		Metrics:  mc,
	})

	srv := NewServer(cfg, d, tm, st, b, mc, nil)
	hs := httptest.NewServer(srv.routes())
	t.Cleanup(hs.Close)
	return &testServer{srv: srv, http: hs, bus: b}
}

func (ts *testServer) post(t *testing.T, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.http.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func (ts *testServer) authenticate(t *testing.T, agentID, agentType string, perms ...string) string {
	t.Helper()
	status, out := ts.post(t, "/v1/tools/authenticate_agent", "", map[string]any{
		"agent_id":              agentID,
		"agent_type":            agentType,
		"api_key":               testAPIKey,
		"requested_permissions": perms,
	})
	if status != http.StatusOK {
		t.Fatalf("authenticate_agent: status %d, body %v", status, out)
	}
	return out["token"].(string)
}

func TestToolCallOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.authenticate(t, "worker-1", "claude", "read", "write")

	status, out := ts.post(t, "/v1/tools/create_session", tok, map[string]any{
		"session_id": "http-flow-1",
		"purpose":    "exercise the http surface",
	})
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("create_session: status %d, body %v", status, out)
	}

	status, out = ts.post(t, "/v1/tools/add_message", tok, map[string]any{
		"session_id": "http-flow-1",
		"content":    "hello over http",
	})
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("add_message: status %d, body %v", status, out)
	}

	status, out = ts.post(t, "/v1/tools/get_messages", tok, map[string]any{
		"session_id": "http-flow-1",
	})
	if status != http.StatusOK {
		t.Fatalf("get_messages: status %d", status)
	}
	if got := out["count"].(float64); got != 1 {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestToolCallErrorStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.authenticate(t, "worker-1", "claude", "read", "write")

	cases := []struct {
		name       string
		path       string
		bearer     string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"bad token", "/v1/tools/create_session", "sct_bogus", map[string]any{"purpose": "x"}, http.StatusUnauthorized, fault.CodeInvalidToken},
		{"unknown tool", "/v1/tools/no_such_tool", tok, map[string]any{}, http.StatusNotFound, fault.CodeNotFound},
		{"invalid input", "/v1/tools/create_session", tok, map[string]any{"purpose": ""}, http.StatusBadRequest, fault.CodeInvalidInput},
		{"missing session", "/v1/tools/get_session", tok, map[string]any{"session_id": "absent-session"}, http.StatusNotFound, fault.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, out := ts.post(t, tc.path, tc.bearer, tc.body)
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %v)", status, tc.wantStatus, out)
			}
			if out["code"] != tc.wantCode {
				t.Errorf("code = %v, want %s", out["code"], tc.wantCode)
			}
		})
	}
}

func TestToolCallRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := ts.http.Client().Post(ts.http.URL+"/v1/tools/get_usage_guidance", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.RequestsPerSecond = 0.001
		cfg.Limits.Burst = 2
	})

	var limited bool
	for i := 0; i < 4; i++ {
		status, out := ts.post(t, "/v1/tools/get_usage_guidance", "", nil)
		if status == http.StatusTooManyRequests {
			if out["code"] != fault.CodeRateLimited {
				t.Errorf("code = %v, want %s", out["code"], fault.CodeRateLimited)
			}
			limited = true
		}
	}
	if !limited {
		t.Error("no request was rate limited after exhausting the burst")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := ts.http.Client().Get(ts.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestBroadcastRepublishesToBus(t *testing.T) {
	ts := newTestServer(t, nil)
	sub := ts.bus.Subscribe("bridge-session")
	defer ts.bus.Unsubscribe(sub)

	status, out := ts.post(t, "/broadcast/bridge-session", "", map[string]any{
		"type": "message_added",
		"data": map[string]any{"message_id": 7},
	})
	if status != http.StatusOK || out["success"] != true {
		t.Fatalf("broadcast: status %d, body %v", status, out)
	}

	select {
	case ev := <-sub.C:
		if ev.Name != "message_added" || ev.SessionID != "bridge-session" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event republished to the bus")
	}
}

func TestBroadcastRejectsNonLoopback(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/broadcast/some-session", strings.NewReader(`{"type":"message_added"}`))
	req.RemoteAddr = "203.0.113.5:43210"
	rec := httptest.NewRecorder()
	ts.srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialWS(t *testing.T, ts *testServer, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL)+"/ws?token="+token, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		raw = b
	}
	if err := conn.WriteJSON(protocol.Envelope{Type: typ, ID: id, Payload: raw}); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL)+"/ws?token=sct_bogus", nil)
	if err == nil {
		t.Fatal("dial succeeded with a bogus token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v, want 401", resp)
	}
}

func TestWebSocketPingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.authenticate(t, "ws-agent", "claude", "read")
	conn := dialWS(t, ts, tok)

	sendEnvelope(t, conn, protocol.TypePing, "p1", nil)
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypePong || env.ID != "p1" {
		t.Errorf("got %+v, want pong p1", env)
	}
}

func TestWebSocketToolCall(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.authenticate(t, "ws-agent", "claude", "read", "write")
	conn := dialWS(t, ts, tok)

	sendEnvelope(t, conn, protocol.TypeToolCall, "c1", protocol.ToolCall{
		Name: "create_session",
		Args: json.RawMessage(`{"session_id":"ws-session-1","purpose":"over the socket"}`),
	})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeToolResult || env.ID != "c1" {
		t.Fatalf("got %+v, want tool.result c1", env)
	}
	var result map[string]any
	if err := json.Unmarshal(env.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result["success"] != true {
		t.Errorf("result = %v", result)
	}
}

func TestWebSocketSubscribeReceivesEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	writer := ts.authenticate(t, "writer", "claude", "read", "write")
	watcher := ts.authenticate(t, "watcher", "gemini", "read")

	status, out := ts.post(t, "/v1/tools/create_session", writer, map[string]any{
		"session_id": "live-session",
		"purpose":    "event fanout",
	})
	if status != http.StatusOK {
		t.Fatalf("create_session: %v", out)
	}

	conn := dialWS(t, ts, watcher)
	sendEnvelope(t, conn, protocol.TypeSubscribe, "s1", protocol.Subscribe{SessionID: "live-session"})

	// The subscribe has no ack; give the forwarding goroutine a beat to attach.
	time.Sleep(50 * time.Millisecond)

	status, out = ts.post(t, "/v1/tools/add_message", writer, map[string]any{
		"session_id": "live-session",
		"content":    "fresh update",
	})
	if status != http.StatusOK {
		t.Fatalf("add_message: %v", out)
	}

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeEvent {
		t.Fatalf("got type %q, want event", env.Type)
	}
	var ev protocol.SessionEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != protocol.EventMessageAdded || ev.SessionID != "live-session" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketConnLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.MaxConnsPerAgent = 1
	})
	tok := ts.authenticate(t, "greedy", "claude", "read")

	dialWS(t, ts, tok)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.http.URL)+"/ws?token="+tok, nil)
	if err == nil {
		t.Fatal("second connection accepted past the limit")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("handshake response = %v, want 429", resp)
	}
}
