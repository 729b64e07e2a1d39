package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/memory"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/search"
	"github.com/chalkboard-ai/chalkboard/internal/session"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
)

const testAPIKey = "test-api-key"

type testEnv struct {
	dispatcher *Dispatcher
	store      *store.SQLiteStore
	bus        *bus.Bus
	tokens     *token.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
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
	b := bus.New(256, nil)
	locks := store.NewSessionLocks()
	as := auth.NewService(testAPIKey, map[string][]string{
		"ops":      {"read", "write", "admin"},
		"reviewer": {"read"},
	})
	sessions := session.New(st, locks, b, nil, al, mc, nil)

	d := NewDispatcher(tm, al, mc, nil)
	RegisterAll(d, Deps{
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
	return &testEnv{dispatcher: d, store: st, bus: b, tokens: tm}
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (e *testEnv) call(t *testing.T, tok, name string, in any) map[string]any {
	t.Helper()
	return e.dispatcher.Dispatch(context.Background(), tok, name, args(t, in))
}

func (e *testEnv) mustCall(t *testing.T, tok, name string, in any) map[string]any {
	t.Helper()
	out := e.call(t, tok, name, in)
	if out["success"] != true {
		t.Fatalf("%s failed: %v", name, out)
	}
	return out
}

func (e *testEnv) authenticate(t *testing.T, agentID, agentType string, perms ...string) string {
	t.Helper()
	out := e.mustCall(t, "", "authenticate_agent", map[string]any{
		"agent_id":              agentID,
		"agent_type":            agentType,
		"api_key":               testAPIKey,
		"requested_permissions": perms,
	})
	return out["token"].(string)
}

func wantCode(t *testing.T, out map[string]any, code string) {
	t.Helper()
	if out["success"] != false {
		t.Fatalf("call succeeded, want %s: %v", code, out)
	}
	if out["code"] != code {
		t.Errorf("code = %v, want %s", out["code"], code)
	}
}

func TestAuthenticateRejectsBadKey(t *testing.T) {
	env := newTestEnv(t)
	out := env.call(t, "", "authenticate_agent", map[string]any{
		"agent_id": "a1", "agent_type": "claude", "api_key": "wrong",
	})
	wantCode(t, out, fault.CodeAuthFailed)
}

func TestAuthenticateFallsBackToRead(t *testing.T) {
	env := newTestEnv(t)

	// A capped type asking only for permissions it may not hold still gets a
	// read-only token.
	out := env.mustCall(t, "", "authenticate_agent", map[string]any{
		"agent_id":              "rev-1",
		"agent_type":            "reviewer",
		"api_key":               testAPIKey,
		"requested_permissions": []string{"write"},
	})
	perms := out["permissions"].([]string)
	if len(perms) != 1 || perms[0] != "read" {
		t.Fatalf("permissions = %v, want [read]", perms)
	}

	tok := out["token"].(string)
	wantCode(t, env.call(t, tok, "create_session", map[string]any{"purpose": "p"}), fault.CodePermissionDenied)
}

func TestUnknownToolAndToken(t *testing.T) {
	env := newTestEnv(t)

	out := env.dispatcher.Dispatch(context.Background(), "", "no_such_tool", nil)
	wantCode(t, out, fault.CodeNotFound)

	out = env.call(t, "sct_bogus", "create_session", map[string]any{"purpose": "p"})
	wantCode(t, out, fault.CodeInvalidToken)
}

func TestPermissionEnforcement(t *testing.T) {
	env := newTestEnv(t)
	readOnly := env.authenticate(t, "viewer", "claude", "read")
	writer := env.authenticate(t, "writer", "claude", "read", "write")

	out := env.call(t, readOnly, "create_session", map[string]any{"purpose": "p"})
	wantCode(t, out, fault.CodePermissionDenied)

	out = env.call(t, writer, "get_audit_log", map[string]any{})
	wantCode(t, out, fault.CodePermissionDenied)

	env.mustCall(t, writer, "create_session", map[string]any{
		"session_id": "shared-board", "purpose": "p",
	})
}

// Scenario: four visibility tiers, four readers.
func TestVisibilityIsolationEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")
	b := env.authenticate(t, "agent-b", "gemini", "read", "write")
	c := env.authenticate(t, "agent-c", "claude", "read", "write")
	adm := env.authenticate(t, "root", "ops", "read", "write", "admin")

	env.mustCall(t, a, "create_session", map[string]any{
		"session_id": "shared-board", "purpose": "isolation check",
	})
	for _, vis := range []string{"public", "private", "agent_only"} {
		env.mustCall(t, a, "add_message", map[string]any{
			"session_id": "shared-board", "content": "msg-" + vis, "visibility": vis,
		})
	}
	env.mustCall(t, adm, "add_message", map[string]any{
		"session_id": "shared-board", "content": "msg-admin_only", "visibility": "admin_only",
	})

	counts := []struct {
		name  string
		token string
		want  int
	}{
		{"other type sees public only", b, 1},
		{"same type sees public+agent_only", c, 2},
		{"sender sees own private too", a, 3},
		{"admin sees all", adm, 4},
	}
	for _, tt := range counts {
		t.Run(tt.name, func(t *testing.T) {
			out := env.mustCall(t, tt.token, "get_messages", map[string]any{"session_id": "shared-board"})
			msgs := out["messages"].([]map[string]any)
			if len(msgs) != tt.want {
				t.Errorf("got %d messages, want %d: %v", len(msgs), tt.want, msgs)
			}
		})
	}
}

// Scenario: refresh revokes the old token and keeps the capability.
func TestTokenRefreshEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.authenticate(t, "agent-a", "claude", "read", "write")

	out := env.mustCall(t, "", "refresh_token", map[string]any{"current_token": t1})
	t2 := out["token"].(string)
	if t2 == t1 {
		t.Fatal("refresh returned the same token")
	}
	if out["expires_in"].(int64) <= 0 {
		t.Errorf("expires_in = %v", out["expires_in"])
	}

	wantCode(t, env.call(t, t1, "create_session", map[string]any{"purpose": "p"}), fault.CodeInvalidToken)
	env.mustCall(t, t2, "create_session", map[string]any{"session_id": "after-refresh", "purpose": "p"})
}

// Scenario: fuzzy ordering with substring hits above near-misses.
func TestFuzzySearchOrderingEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")
	env.mustCall(t, a, "create_session", map[string]any{"session_id": "search-board", "purpose": "p"})

	for _, content := range []string{
		"the quick brown fox",
		"Python programming language",
		"python scripting",
	} {
		env.mustCall(t, a, "add_message", map[string]any{"session_id": "search-board", "content": content})
	}

	out := env.mustCall(t, a, "search_context", map[string]any{
		"session_id": "search-board", "query": "python", "threshold": 60,
	})
	results := out["results"].([]map[string]any)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %v", len(results), results)
	}
	for _, r := range results {
		if r["score"].(int) < 60 {
			t.Errorf("result below threshold: %v", r)
		}
		if content := r["content"].(string); !strings.Contains(strings.ToLower(content), "python") {
			t.Errorf("unexpected match: %v", r)
		}
	}
}

// Scenario: 20 concurrent writers, strictly increasing ids, delivery in id
// order.
func TestConcurrentWritersSerialize(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")
	env.mustCall(t, a, "create_session", map[string]any{"session_id": "busy-board", "purpose": "p"})

	sub := env.bus.Subscribe("busy-board")
	defer env.bus.Unsubscribe(sub)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan map[string]any, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := env.call(t, a, "add_message", map[string]any{
				"session_id": "busy-board", "content": "concurrent",
			})
			if out["success"] != true {
				errs <- out
			}
		}()
	}
	wg.Wait()
	close(errs)
	for out := range errs {
		t.Errorf("concurrent add_message failed: %v", out)
	}

	out := env.mustCall(t, a, "get_messages", map[string]any{"session_id": "busy-board", "limit": 200})
	msgs := out["messages"].([]map[string]any)
	if len(msgs) != writers {
		t.Fatalf("got %d messages, want %d", len(msgs), writers)
	}
	var prev int64
	for i, m := range msgs {
		id := m["message_id"].(int64)
		if id <= prev {
			t.Fatalf("ids not strictly increasing at %d: %d after %d", i, id, prev)
		}
		prev = id
	}

	// Subscriber delivery order matches id order.
	prev = 0
	for i := 0; i < writers; i++ {
		select {
		case ev := <-sub.C:
			id := ev.Data.(map[string]any)["message_id"].(int64)
			if id <= prev {
				t.Fatalf("event order broken at %d: %d after %d", i, id, prev)
			}
			prev = id
		case <-time.After(time.Second):
			t.Fatalf("only %d events delivered, want %d", i, writers)
		}
	}
}

// Scenario: a dead bridge never fails the write.
func TestBridgeOutageDoesNotFailWrites(t *testing.T) {
	env := newTestEnv(t)
	st := env.store

	al := audit.NewLogger(st, nil)
	mc := metrics.New()
	b := bus.New(16, nil)
	deadBridge := bus.NewBridge("http://127.0.0.1:1", time.Second, nil)
	sessions := session.New(st, store.NewSessionLocks(), b, deadBridge, al, mc, nil)

	d := NewDispatcher(env.tokens, al, mc, nil)
	d.Register(
		&CreateSession{Sessions: sessions},
		&AddMessage{Sessions: sessions},
	)

	tok := env.authenticate(t, "agent-a", "claude", "read", "write")
	out := d.Dispatch(context.Background(), tok, "create_session",
		args(t, map[string]any{"session_id": "bridge-board", "purpose": "p"}))
	if out["success"] != true {
		t.Fatalf("create_session with dead bridge: %v", out)
	}
	out = d.Dispatch(context.Background(), tok, "add_message",
		args(t, map[string]any{"session_id": "bridge-board", "content": "still works"}))
	if out["success"] != true {
		t.Fatalf("add_message with dead bridge: %v", out)
	}
}

func TestContentLengthBoundaries(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")
	env.mustCall(t, a, "create_session", map[string]any{"session_id": "limits-board", "purpose": "p"})

	exact := strings.Repeat("x", session.MaxContentLen)
	env.mustCall(t, a, "add_message", map[string]any{"session_id": "limits-board", "content": exact})

	over := exact + "x"
	wantCode(t, env.call(t, a, "add_message", map[string]any{
		"session_id": "limits-board", "content": over,
	}), fault.CodeInvalidInput)
}

func TestSessionIDBoundaries(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")

	tests := []struct {
		id string
		ok bool
	}{
		{strings.Repeat("a", 7), false},
		{strings.Repeat("a", 8), true},
		{strings.Repeat("a", 64), true},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		out := env.call(t, a, "create_session", map[string]any{"session_id": tt.id, "purpose": "p"})
		if tt.ok && out["success"] != true {
			t.Errorf("id of %d chars rejected: %v", len(tt.id), out)
		}
		if !tt.ok {
			wantCode(t, out, fault.CodeInvalidInput)
		}
	}
}

func TestMemoryToolsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")

	wantCode(t, env.call(t, a, "set_memory", map[string]any{
		"key": "k", "value": "v", "ttl_seconds": 0,
	}), fault.CodeInvalidInput)

	env.mustCall(t, a, "set_memory", map[string]any{"key": "k", "value": "v"})
	out := env.mustCall(t, a, "get_memory", map[string]any{"key": "k"})
	if out["value"] != "v" {
		t.Errorf("value = %v", out["value"])
	}

	// Default overwrite is true.
	env.mustCall(t, a, "set_memory", map[string]any{"key": "k", "value": "v2"})
	// Explicit overwrite=false conflicts.
	wantCode(t, env.call(t, a, "set_memory", map[string]any{
		"key": "k", "value": "v3", "overwrite": false,
	}), fault.CodeConflict)

	out = env.mustCall(t, a, "list_memory", map[string]any{"scope": "global"})
	if out["count"] != 1 {
		t.Errorf("count = %v, want 1", out["count"])
	}

	env.mustCall(t, a, "delete_memory", map[string]any{"key": "k"})
	wantCode(t, env.call(t, a, "get_memory", map[string]any{"key": "k"}), fault.CodeNotFound)
}

func TestVisibilityChangeReturnsOldAndNew(t *testing.T) {
	env := newTestEnv(t)
	a := env.authenticate(t, "agent-a", "claude", "read", "write")
	env.mustCall(t, a, "create_session", map[string]any{"session_id": "reclass-board", "purpose": "p"})
	posted := env.mustCall(t, a, "add_message", map[string]any{
		"session_id": "reclass-board", "content": "draft", "visibility": "private",
	})

	out := env.mustCall(t, a, "set_message_visibility", map[string]any{
		"message_id":     posted["message_id"],
		"new_visibility": "public",
		"reason":         "ready for review",
	})
	if out["old_visibility"] != "private" || out["new_visibility"] != "public" {
		t.Errorf("envelope = %v, want old private / new public", out)
	}

	adm := env.authenticate(t, "root", "ops", "read", "write", "admin")
	log := env.mustCall(t, adm, "get_audit_log", map[string]any{
		"event_type": audit.EventVisibilityChanged,
	})
	raw, _ := json.Marshal(log)
	if !strings.Contains(string(raw), "ready for review") {
		t.Errorf("reason missing from audit log: %s", raw)
	}
}

func TestGuidanceVariesByTier(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.authenticate(t, "viewer", "claude", "read")
	adm := env.authenticate(t, "root", "ops", "read", "write", "admin")

	// No token at all still gets an answer, pitched at the anonymous tier.
	out := env.mustCall(t, "", "get_usage_guidance", map[string]any{})
	if out["tier"] != "anonymous" {
		t.Errorf("tier = %v, want anonymous", out["tier"])
	}
	if _, ok := out["tier_notes"]; !ok {
		t.Error("anonymous guidance missing tier notes")
	}

	out = env.mustCall(t, viewer, "get_usage_guidance", map[string]any{})
	if out["tier"] != "read_only" {
		t.Errorf("tier = %v, want read_only", out["tier"])
	}
	if _, ok := out["tier_notes"]; !ok {
		t.Error("read-only guidance missing tier notes")
	}

	out = env.mustCall(t, adm, "get_usage_guidance", map[string]any{"guidance_type": "sessions"})
	if out["tier"] != "admin" {
		t.Errorf("tier = %v, want admin", out["tier"])
	}

	wantCode(t, env.call(t, viewer, "get_usage_guidance", map[string]any{
		"guidance_type": "bogus",
	}), fault.CodeInvalidInput)
}

func TestAuditLogAndMetricsTools(t *testing.T) {
	env := newTestEnv(t)
	adm := env.authenticate(t, "root", "ops", "read", "write", "admin")
	env.mustCall(t, adm, "create_session", map[string]any{"session_id": "audit-board", "purpose": "p"})

	out := env.mustCall(t, adm, "get_audit_log", map[string]any{"event_type": "session."})
	if out["count"].(int) < 1 {
		t.Errorf("audit log empty after session create: %v", out)
	}
	// No protected token may appear in any entry.
	raw, _ := json.Marshal(out)
	if strings.Contains(string(raw), adm) {
		t.Error("protected token leaked into audit output")
	}

	out = env.mustCall(t, adm, "get_performance_metrics", map[string]any{})
	snap := out["metrics"].(metrics.Snapshot)
	if snap.ToolCalls < 2 {
		t.Errorf("tool call counter = %d, want >= 2", snap.ToolCalls)
	}
}

func TestDeniedCallsAreAudited(t *testing.T) {
	env := newTestEnv(t)
	viewer := env.authenticate(t, "viewer", "claude", "read")
	adm := env.authenticate(t, "root", "ops", "read", "write", "admin")

	wantCode(t, env.call(t, viewer, "create_session", map[string]any{"purpose": "p"}), fault.CodePermissionDenied)

	out := env.mustCall(t, adm, "get_audit_log", map[string]any{
		"event_type": audit.EventDenied, "agent_id": "viewer",
	})
	if out["count"].(int) != 1 {
		t.Errorf("denied call not audited: %v", out)
	}
}
