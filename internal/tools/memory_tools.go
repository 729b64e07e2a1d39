package tools

import (
	"context"
	"encoding/json"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/memory"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// SetMemory stores a value in the caller's key-value memory.
type SetMemory struct {
	Memory *memory.Service
}

func (t *SetMemory) Name() string { return "set_memory" }

func (t *SetMemory) Description() string {
	return "Store a value in your private memory, globally or scoped to a session, with an optional TTL."
}

func (t *SetMemory) Permission() string { return auth.PermWrite }

func (t *SetMemory) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"key":         {Type: "string", Description: "Key, at most 255 characters"},
			"value":       {Type: "string", Description: "Value, at most 100000 characters"},
			"session_id":  {Type: "string", Description: "Scope to this session; omit for a global entry"},
			"ttl_seconds": {Type: "integer", Description: "Seconds until expiry; omit for no expiry"},
			"overwrite":   {Type: "boolean", Description: "Replace an existing key; defaults to true"},
			"metadata":    schema.Object("Optional structured metadata"),
		},
		Required: []string{"key", "value"},
	}
}

func (t *SetMemory) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		Key        string          `json:"key"`
		Value      string          `json:"value"`
		SessionID  string          `json:"session_id"`
		TTLSeconds *int64          `json:"ttl_seconds"`
		Overwrite  *bool           `json:"overwrite"`
		Metadata   json.RawMessage `json:"metadata"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	overwrite := true
	if in.Overwrite != nil {
		overwrite = *in.Overwrite
	}

	entry, err := t.Memory.Set(ctx, caller, memory.SetInput{
		Key:        in.Key,
		Value:      in.Value,
		SessionID:  in.SessionID,
		TTLSeconds: in.TTLSeconds,
		Overwrite:  overwrite,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return nil, err
	}

	out := map[string]any{"stored": true, "key": entry.Key}
	if entry.ExpiresAt != nil {
		out["expires_at"] = protocol.UnixSeconds(*entry.ExpiresAt)
	}
	return out, nil
}

// GetMemory fetches one of the caller's memory entries.
type GetMemory struct {
	Memory *memory.Service
}

func (t *GetMemory) Name() string { return "get_memory" }

func (t *GetMemory) Description() string {
	return "Fetch a value from your memory. Expired entries read as not found."
}

func (t *GetMemory) Permission() string { return auth.PermRead }

func (t *GetMemory) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"key":        {Type: "string", Description: "Key to fetch"},
			"session_id": {Type: "string", Description: "Session scope; omit for the global entry"},
		},
		Required: []string{"key"},
	}
}

func (t *GetMemory) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		Key       string `json:"key"`
		SessionID string `json:"session_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	entry, err := t.Memory.Get(ctx, caller, in.Key, in.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":   entry.Key,
		"value": entry.Value,
		"entry": renderMemoryEntry(*entry),
	}, nil
}

// ListMemory lists the caller's live memory entries.
type ListMemory struct {
	Memory *memory.Service
}

func (t *ListMemory) Name() string { return "list_memory" }

func (t *ListMemory) Description() string {
	return "List your memory entries by scope, optionally filtered by key prefix."
}

func (t *ListMemory) Permission() string { return auth.PermRead }

func (t *ListMemory) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"scope": {
				Type:        "string",
				Description: "Which entries to list; defaults to all",
				Enum:        []string{"global", "session", "all"},
			},
			"session_id": {Type: "string", Description: "Required when scope is session"},
			"prefix":     {Type: "string", Description: "Only keys starting with this prefix"},
			"limit":      {Type: "integer", Description: "Max entries, capped at 200; default 50"},
		},
	}
}

func (t *ListMemory) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		Scope     string `json:"scope"`
		SessionID string `json:"session_id"`
		Prefix    string `json:"prefix"`
		Limit     int    `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	entries, err := t.Memory.List(ctx, caller, memory.ListInput{
		Scope:     in.Scope,
		SessionID: in.SessionID,
		Prefix:    in.Prefix,
		Limit:     in.Limit,
	})
	if err != nil {
		return nil, err
	}

	rendered := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		rendered = append(rendered, renderMemoryEntry(e))
	}
	return map[string]any{"entries": rendered, "count": len(rendered)}, nil
}

// DeleteMemory removes one of the caller's memory entries.
type DeleteMemory struct {
	Memory *memory.Service
}

func (t *DeleteMemory) Name() string { return "delete_memory" }

func (t *DeleteMemory) Description() string {
	return "Delete a value from your memory."
}

func (t *DeleteMemory) Permission() string { return auth.PermWrite }

func (t *DeleteMemory) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"key":        {Type: "string", Description: "Key to delete"},
			"session_id": {Type: "string", Description: "Session scope; omit for the global entry"},
		},
		Required: []string{"key"},
	}
}

func (t *DeleteMemory) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		Key       string `json:"key"`
		SessionID string `json:"session_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	if err := t.Memory.Delete(ctx, caller, in.Key, in.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": in.Key}, nil
}

func renderMemoryEntry(e store.MemoryEntry) map[string]any {
	r := map[string]any{
		"key":        e.Key,
		"value":      e.Value,
		"created_at": protocol.UnixSeconds(e.CreatedAt),
		"updated_at": protocol.UnixSeconds(e.UpdatedAt),
	}
	if e.SessionID != "" {
		r["session_id"] = e.SessionID
	} else {
		r["scope"] = "global"
	}
	if e.ExpiresAt != nil {
		r["expires_at"] = protocol.UnixSeconds(*e.ExpiresAt)
	}
	if len(e.Metadata) > 0 {
		r["metadata"] = e.Metadata
	}
	return r
}
