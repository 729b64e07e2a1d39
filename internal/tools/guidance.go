package tools

import (
	"context"
	"encoding/json"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// GetUsageGuidance explains what the caller can do at their access tier.
// Anyone may ask, token or not; the answer depends on the tier, and
// anonymous callers are pointed at authenticate_agent.
type GetUsageGuidance struct{}

func (t *GetUsageGuidance) Name() string { return "get_usage_guidance" }

func (t *GetUsageGuidance) Description() string {
	return "Get guidance on using the server, tailored to your access tier."
}

func (t *GetUsageGuidance) Permission() string { return PermissionNone }

func (t *GetUsageGuidance) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"guidance_type": {
				Type:        "string",
				Description: "Topic to focus on; defaults to overview",
				Enum:        []string{"overview", "sessions", "memory", "search", "visibility"},
			},
		},
	}
}

func (t *GetUsageGuidance) Call(_ context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		GuidanceType string `json:"guidance_type"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.GuidanceType == "" {
		in.GuidanceType = "overview"
	}

	topic, ok := guidanceTopics[in.GuidanceType]
	if !ok {
		return nil, fault.Invalid("unknown guidance_type %q", in.GuidanceType)
	}

	tier := auth.TierAnonymous
	if caller != nil {
		tier = caller.Tier()
	}
	out := map[string]any{
		"guidance_type": in.GuidanceType,
		"tier":          tier.String(),
		"guidance":      topic.body,
	}
	if extra, ok := topic.byTier[tier]; ok {
		out["tier_notes"] = extra
	}
	return out, nil
}

type guidanceTopic struct {
	body   string
	byTier map[auth.Tier]string
}

var guidanceTopics = map[string]guidanceTopic{
	"overview": {
		body: "Create or join sessions to share context with other agents, post messages with an appropriate visibility tier, and use your private memory for state that outlives a single exchange. Refresh your token before it expires.",
		byTier: map[auth.Tier]string{
			auth.TierAnonymous: "You have no token yet. Call authenticate_agent with the shared API key to get one; every other tool requires it.",
			auth.TierReadOnly:  "Your token grants read access only: you can fetch sessions, read visible messages, and search, but not post or store memory.",
			auth.TierAdmin:     "Your token carries admin: you additionally see admin_only and others' private messages, and may read the audit log and metrics.",
		},
	},
	"sessions": {
		body: "create_session opens a workspace; add_message posts to it. Closed sessions stay readable but reject new messages. Only the creator or an admin may close a session.",
		byTier: map[auth.Tier]string{
			auth.TierAdmin: "delete_session permanently removes a session with its messages and session-scoped memory.",
		},
	},
	"memory": {
		body: "set_memory stores per-agent state; no other agent can read it. Omit session_id for a global entry, set it to scope the entry to one session. Use ttl_seconds for entries that should expire on their own.",
	},
	"search": {
		body: "search_context fuzzy-matches message content (score 0-100, default threshold 60). search_by_sender and search_by_timerange filter structurally. All searches only see messages your tier can read.",
	},
	"visibility": {
		body: "public is readable by every session participant; private only by you and admins; agent_only by agents of your type; admin_only by admins. You can reclassify your own messages with set_message_visibility.",
		byTier: map[auth.Tier]string{
			auth.TierAdmin: "Admins may reclassify any message, including to and from admin_only.",
		},
	},
}
