package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/search"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// SearchContext fuzzy-searches a session's visible messages.
type SearchContext struct {
	Search *search.Service
}

func (t *SearchContext) Name() string { return "search_context" }

func (t *SearchContext) Description() string {
	return "Fuzzy-search the messages you can see in a session, best match first."
}

func (t *SearchContext) Permission() string { return auth.PermRead }

func (t *SearchContext) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to search"},
			"query":      {Type: "string", Description: "Text to search for"},
			"threshold":  {Type: "integer", Description: "Minimum score 1-100; default 60"},
			"limit":      {Type: "integer", Description: "Max results, capped at 100; default 10"},
			"search_scope": {
				Type:        "string",
				Description: "What to match against; defaults to content",
				Enum:        []string{search.ScopeContent, search.ScopeSender, search.ScopeMetadata, search.ScopeAll},
			},
		},
		Required: []string{"session_id", "query"},
	}
}

func (t *SearchContext) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID   string `json:"session_id"`
		Query       string `json:"query"`
		Threshold   int    `json:"threshold"`
		Limit       int    `json:"limit"`
		SearchScope string `json:"search_scope"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	matches, err := t.Search.Context(ctx, caller, search.ContextInput{
		SessionID: in.SessionID,
		Query:     in.Query,
		Threshold: in.Threshold,
		Limit:     in.Limit,
		Scope:     in.SearchScope,
	})
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		r := renderMessage(m.Message)
		r["score"] = m.Score
		results = append(results, r)
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// SearchBySender lists a sender's visible messages in a session.
type SearchBySender struct {
	Search *search.Service
}

func (t *SearchBySender) Name() string { return "search_by_sender" }

func (t *SearchBySender) Description() string {
	return "List the messages from one sender that you can see, newest first."
}

func (t *SearchBySender) Permission() string { return auth.PermRead }

func (t *SearchBySender) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to search"},
			"sender":     {Type: "string", Description: "Agent id of the sender"},
			"limit":      {Type: "integer", Description: "Max results, capped at 100; default 10"},
		},
		Required: []string{"session_id", "sender"},
	}
}

func (t *SearchBySender) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string `json:"session_id"`
		Sender    string `json:"sender"`
		Limit     int    `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	msgs, err := t.Search.BySender(ctx, caller, in.SessionID, in.Sender, in.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": renderMessages(msgs), "count": len(msgs)}, nil
}

// SearchByTimeRange lists visible messages within a time window.
type SearchByTimeRange struct {
	Search *search.Service
}

func (t *SearchByTimeRange) Name() string { return "search_by_timerange" }

func (t *SearchByTimeRange) Description() string {
	return "List the messages you can see within a time range, newest first. Times are RFC 3339."
}

func (t *SearchByTimeRange) Permission() string { return auth.PermRead }

func (t *SearchByTimeRange) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to search"},
			"start":      {Type: "string", Description: "Range start, RFC 3339"},
			"end":        {Type: "string", Description: "Range end, RFC 3339"},
			"limit":      {Type: "integer", Description: "Max results, capped at 100; default 10"},
		},
		Required: []string{"session_id", "start", "end"},
	}
}

func (t *SearchByTimeRange) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string `json:"session_id"`
		Start     string `json:"start"`
		End       string `json:"end"`
		Limit     int    `json:"limit"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	start, err := time.Parse(time.RFC3339, in.Start)
	if err != nil {
		return nil, fault.Invalid("start is not RFC 3339: %v", err)
	}
	end, err := time.Parse(time.RFC3339, in.End)
	if err != nil {
		return nil, fault.Invalid("end is not RFC 3339: %v", err)
	}

	msgs, err := t.Search.ByTimeRange(ctx, caller, in.SessionID, start, end, in.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": renderMessages(msgs), "count": len(msgs)}, nil
}
