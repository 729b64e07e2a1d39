package tools

import (
	"context"
	"encoding/json"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// GetAuditLog returns audit entries. Admin only.
type GetAuditLog struct {
	Store store.Store
}

func (t *GetAuditLog) Name() string { return "get_audit_log" }

func (t *GetAuditLog) Description() string {
	return "Read the audit trail, newest first, with optional filters."
}

func (t *GetAuditLog) Permission() string { return auth.PermAdmin }

func (t *GetAuditLog) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"event_type": {Type: "string", Description: "Event type prefix, e.g. auth."},
			"agent_id":   {Type: "string", Description: "Only events for this agent"},
			"session_id": {Type: "string", Description: "Only events for this session"},
			"limit":      {Type: "integer", Description: "Max entries; default 50"},
			"offset":     {Type: "integer", Description: "Entries to skip"},
		},
	}
}

func (t *GetAuditLog) Call(ctx context.Context, _ *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		EventType string `json:"event_type"`
		AgentID   string `json:"agent_id"`
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
		Offset    int    `json:"offset"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.Limit < 0 || in.Offset < 0 {
		return nil, fault.Invalid("limit and offset must be non-negative")
	}

	events, err := t.Store.ListAuditEvents(ctx, store.AuditFilter{
		EventType: in.EventType,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		Limit:     in.Limit,
		Offset:    in.Offset,
	})
	if err != nil {
		return nil, fault.Unavailable("audit query failed")
	}

	entries := make([]map[string]any, 0, len(events))
	for _, e := range events {
		entry := map[string]any{
			"id":         e.ID,
			"event_type": e.EventType,
			"created_at": protocol.UnixSeconds(e.CreatedAt),
		}
		if e.AgentID != "" {
			entry["agent_id"] = e.AgentID
		}
		if e.SessionID != "" {
			entry["session_id"] = e.SessionID
		}
		if e.Resource != "" {
			entry["resource"] = e.Resource
		}
		if e.Action != "" {
			entry["action"] = e.Action
		}
		if e.Result != "" {
			entry["result"] = e.Result
		}
		if len(e.Detail) > 0 {
			entry["detail"] = e.Detail
		}
		entries = append(entries, entry)
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

// GetPerformanceMetrics returns the operational snapshot. Admin only.
type GetPerformanceMetrics struct {
	Store   store.Store
	Metrics *metrics.Collector
	Bus     interface{ Dropped() int64 }
}

func (t *GetPerformanceMetrics) Name() string { return "get_performance_metrics" }

func (t *GetPerformanceMetrics) Description() string {
	return "Read server counters, uptime, and database pool statistics."
}

func (t *GetPerformanceMetrics) Permission() string { return auth.PermAdmin }

func (t *GetPerformanceMetrics) Schema() *schema.Schema {
	return &schema.Schema{Type: "object", Properties: map[string]*schema.Property{}}
}

func (t *GetPerformanceMetrics) Call(ctx context.Context, _ *auth.Identity, _ json.RawMessage) (map[string]any, error) {
	if t.Bus != nil {
		t.Metrics.SetEventsDropped(t.Bus.Dropped())
	}
	snap := t.Metrics.Snapshot(t.Store.Stats())
	return map[string]any{"metrics": snap}, nil
}
