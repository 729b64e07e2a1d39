package memory

import (
	"context"
	"testing"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/store"
)

var (
	alice = &auth.Identity{AgentID: "alice", AgentType: "worker", Permissions: []string{"read", "write"}}
	bob   = &auth.Identity{AgentID: "bob", AgentType: "worker", Permissions: []string{"read", "write"}}
)

func ttl(seconds int64) *int64 {
	return &seconds
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(":memory:", 1, 1)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, bus.New(16, nil), audit.NewLogger(st, nil), nil), st
}

func TestSetGetRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, SetInput{Key: "plan", Value: "step 1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := svc.Get(ctx, alice, "plan", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != "step 1" || got.ExpiresAt != nil {
		t.Errorf("entry = %+v", got)
	}
}

func TestSetValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   SetInput
		code string
	}{
		{"empty key", SetInput{Value: "v"}, fault.CodeInvalidInput},
		{"long key", SetInput{Key: string(make([]byte, MaxKeyLen+1)), Value: "v"}, fault.CodeInvalidInput},
		{"long value", SetInput{Key: "k", Value: string(make([]byte, MaxValueLen+1))}, fault.CodeInvalidInput},
		{"zero ttl", SetInput{Key: "k", Value: "v", TTLSeconds: ttl(0)}, fault.CodeInvalidInput},
		{"negative ttl", SetInput{Key: "k", Value: "v", TTLSeconds: ttl(-1)}, fault.CodeInvalidInput},
		{"missing session", SetInput{Key: "k", Value: "v", SessionID: "nope"}, fault.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Set(ctx, alice, tt.in)
			if fault.CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", fault.CodeOf(err), tt.code)
			}
		})
	}
}

func TestOverwriteSemantics(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, SetInput{Key: "k", Value: "v1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, err := svc.Set(ctx, alice, SetInput{Key: "k", Value: "v2"})
	if fault.CodeOf(err) != fault.CodeConflict {
		t.Errorf("second set code = %s, want CONFLICT", fault.CodeOf(err))
	}
	if _, err := svc.Set(ctx, alice, SetInput{Key: "k", Value: "v2", Overwrite: true}); err != nil {
		t.Fatalf("overwrite Set: %v", err)
	}
	got, err := svc.Get(ctx, alice, "k", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Value != "v2" {
		t.Errorf("value = %q, want v2", got.Value)
	}
}

func TestAgentsIsolated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, SetInput{Key: "secret", Value: "mine"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := svc.Get(ctx, bob, "secret", ""); fault.CodeOf(err) != fault.CodeNotFound {
		t.Error("bob read alice's memory")
	}

	// Same key, different agent, no conflict.
	if _, err := svc.Set(ctx, bob, SetInput{Key: "secret", Value: "also mine"}); err != nil {
		t.Errorf("bob's Set conflicted with alice's key: %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	entry, err := svc.Set(ctx, alice, SetInput{Key: "ephemeral", Value: "v", TTLSeconds: ttl(60)})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if entry.ExpiresAt == nil || !entry.ExpiresAt.After(entry.CreatedAt) {
		t.Fatalf("expires_at = %v, created_at = %v", entry.ExpiresAt, entry.CreatedAt)
	}
	if _, err := svc.Set(ctx, alice, SetInput{Key: "unread", Value: "v", TTLSeconds: ttl(60)}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Still live.
	if _, err := svc.Get(ctx, alice, "ephemeral", ""); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	// Jump past expiry: Get treats the row as gone and removes it on the
	// spot.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.Get(ctx, alice, "ephemeral", ""); fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("expired Get code = %s, want NOT_FOUND", fault.CodeOf(err))
	}
	if row, err := st.GetMemory(ctx, "alice", "", "ephemeral"); err != nil || row != nil {
		t.Errorf("expired row survived the read: row=%v err=%v", row, err)
	}

	entries, err := svc.List(ctx, alice, ListInput{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expired entry surfaced in List: %+v", entries)
	}

	// The never-read entry is left for the sweeper.
	n, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("sweep removed %d, want 1", n)
	}
}

func TestSessionScopedSetPublishesEvent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sess := &store.Session{ID: "memory-events", Purpose: "p", CreatedBy: "alice", IsActive: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sub := svc.bus.Subscribe("memory-events")
	defer svc.bus.Unsubscribe(sub)

	if _, err := svc.Set(ctx, alice, SetInput{Key: "k", Value: "v", SessionID: "memory-events"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.Name != EventMemoryUpdated {
			t.Errorf("event name = %q, want %q", ev.Name, EventMemoryUpdated)
		}
		data := ev.Data.(map[string]any)
		if data["key"] != "k" || data["agent_id"] != "alice" {
			t.Errorf("event data = %v", data)
		}
		if _, leaked := data["value"]; leaked {
			t.Error("memory value leaked into the event payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no memory_updated event published")
	}

	// Global writes have no session subscribers; nothing is published.
	if _, err := svc.Set(ctx, alice, SetInput{Key: "g", Value: "v"}); err != nil {
		t.Fatalf("global Set: %v", err)
	}
	select {
	case ev := <-sub.C:
		t.Errorf("unexpected event for global write: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListScopeValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.List(ctx, alice, ListInput{Scope: "bogus"}); fault.CodeOf(err) != fault.CodeInvalidInput {
		t.Error("unknown scope accepted")
	}
	if _, err := svc.List(ctx, alice, ListInput{Scope: store.ScopeSession}); fault.CodeOf(err) != fault.CodeInvalidInput {
		t.Error("session scope without session_id accepted")
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, alice, SetInput{Key: "k", Value: "v"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := svc.Delete(ctx, alice, "k", ""); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, alice, "k", ""); fault.CodeOf(err) != fault.CodeNotFound {
		t.Errorf("double delete code = %s, want NOT_FOUND", fault.CodeOf(err))
	}
}
