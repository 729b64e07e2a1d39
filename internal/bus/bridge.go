package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBridgeTimeout caps how long a write path may wait on the HTTP bridge.
const maxBridgeTimeout = 2 * time.Second

// Bridge forwards events to a co-hosted broadcast endpoint over HTTP. The
// bridge is best-effort: delivery failures degrade to a debug log and the
// write that triggered the event still succeeds.
type Bridge struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewBridge creates a bridge targeting url. A zero or oversized timeout is
// clamped to 2 seconds.
func NewBridge(url string, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 || timeout > maxBridgeTimeout {
		timeout = maxBridgeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "bridge"),
	}
}

// Notify posts the event to the bridge endpoint for its session.
func (b *Bridge) Notify(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		b.logger.Debug("bridge marshal failed", "event", event.Name, "error", err)
		return
	}

	url := fmt.Sprintf("%s/broadcast/%s", b.url, event.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		b.logger.Debug("bridge request failed", "event", event.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("bridge delivery failed",
			"session_id", event.SessionID, "event", event.Name, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		b.logger.Debug("bridge rejected event",
			"session_id", event.SessionID, "event", event.Name, "status", resp.StatusCode)
	}
}
