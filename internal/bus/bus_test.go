package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPublishReachesSessionSubscribers(t *testing.T) {
	b := New(4, nil)
	sub1 := b.Subscribe("sess-1")
	sub2 := b.Subscribe("sess-1")
	other := b.Subscribe("sess-2")

	b.Publish(Event{Name: "message_added", SessionID: "sess-1"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case ev := <-sub.C:
			if ev.Name != "message_added" || ev.SessionID != "sess-1" {
				t.Errorf("event = %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Error("event timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-other.C:
		t.Errorf("cross-session delivery: %+v", ev)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(2, nil)
	b.Subscribe("sess-1") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Name: "message_added", SessionID: "sess-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := b.Dropped(); got != 8 {
		t.Errorf("dropped = %d, want 8", got)
	}
}

func TestUnsubscribeClosesAndCleans(t *testing.T) {
	b := New(4, nil)
	sub := b.Subscribe("sess-1")

	b.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Error("channel not closed after unsubscribe")
	}
	if n := b.SubscriberCount("sess-1"); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}

	// Idempotent.
	b.Unsubscribe(sub)

	// Publishing to a session with no subscribers is a no-op.
	b.Publish(Event{Name: "message_added", SessionID: "sess-1"})
}

func TestBridgeNotify(t *testing.T) {
	var gotPath string
	var gotEvent Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	br := NewBridge(srv.URL, time.Second, nil)
	br.Notify(context.Background(), Event{
		Name:      "session_closed",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC(),
	})

	if gotPath != "/broadcast/sess-1" {
		t.Errorf("path = %q, want /broadcast/sess-1", gotPath)
	}
	if gotEvent.Name != "session_closed" {
		t.Errorf("event = %+v", gotEvent)
	}
}

func TestBridgeToleratesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	br := NewBridge(srv.URL, time.Second, nil)

	// Neither a 500 nor a dead endpoint may panic or error out.
	br.Notify(context.Background(), Event{Name: "message_added", SessionID: "sess-1"})
	srv.Close()
	br.Notify(context.Background(), Event{Name: "message_added", SessionID: "sess-1"})
}

func TestBridgeTimeoutClamped(t *testing.T) {
	br := NewBridge("http://localhost:1", 10*time.Second, nil)
	if br.client.Timeout > maxBridgeTimeout {
		t.Errorf("timeout = %v, want <= %v", br.client.Timeout, maxBridgeTimeout)
	}
}
