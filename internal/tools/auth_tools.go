package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// AuthenticateAgent exchanges the bootstrap API key for a protected token.
type AuthenticateAgent struct {
	Auth    *auth.Service
	Tokens  *token.Manager
	Audit   *audit.Logger
	Metrics *metrics.Collector
}

func (t *AuthenticateAgent) Name() string { return "authenticate_agent" }

func (t *AuthenticateAgent) Description() string {
	return "Register this agent and receive a protected token for subsequent calls. Requires the shared API key."
}

func (t *AuthenticateAgent) Permission() string { return PermissionNone }

func (t *AuthenticateAgent) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"agent_id":   {Type: "string", Description: "Unique agent identifier"},
			"agent_type": {Type: "string", Description: "Agent role, e.g. worker or reviewer"},
			"api_key":    {Type: "string", Description: "Shared registration API key"},
			"requested_permissions": {
				Type:        "array",
				Description: "Permissions to request; defaults to [\"read\"]",
				Items:       &schema.Property{Type: "string", Enum: []string{"read", "write", "admin"}},
			},
		},
		Required: []string{"agent_id", "agent_type", "api_key"},
	}
}

func (t *AuthenticateAgent) Call(ctx context.Context, _ *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		AgentID              string   `json:"agent_id"`
		AgentType            string   `json:"agent_type"`
		APIKey               string   `json:"api_key"`
		RequestedPermissions []string `json:"requested_permissions"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if !agentIDPattern.MatchString(in.AgentID) {
		return nil, fault.Invalid("agent_id must match %s", agentIDPattern.String())
	}
	if in.AgentType == "" {
		return nil, fault.Invalid("agent_type is required")
	}

	if err := t.Auth.VerifyAPIKey(in.APIKey); err != nil {
		t.Metrics.AuthFailure()
		t.Audit.Record(ctx, store.AuditEvent{
			EventType: audit.EventAuthFailed,
			AgentID:   in.AgentID,
			Result:    audit.ResultDenied,
		})
		return nil, err
	}

	granted, err := t.Auth.Grant(in.AgentType, in.RequestedPermissions)
	if err != nil {
		return nil, err
	}

	issued, err := t.Tokens.Issue(ctx, in.AgentID, in.AgentType, granted)
	if err != nil {
		return nil, fault.Unavailable("token issue failed")
	}

	t.Metrics.TokenIssued()
	t.Audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventTokenIssued,
		AgentID:   in.AgentID,
		Result:    audit.ResultOK,
	})
	return map[string]any{
		"token":       issued.Token,
		"agent_id":    in.AgentID,
		"permissions": granted,
		"expires_at":  protocol.UnixSeconds(issued.ExpiresAt),
	}, nil
}

// RefreshToken rotates the caller's protected token.
type RefreshToken struct {
	Tokens  *token.Manager
	Audit   *audit.Logger
	Metrics *metrics.Collector
}

func (t *RefreshToken) Name() string { return "refresh_token" }

func (t *RefreshToken) Description() string {
	return "Exchange the current protected token for a fresh one. The old token stops working."
}

func (t *RefreshToken) Permission() string { return PermissionNone }

func (t *RefreshToken) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"current_token": {Type: "string", Description: "The protected token to rotate"},
		},
		Required: []string{"current_token"},
	}
}

func (t *RefreshToken) Call(ctx context.Context, _ *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		CurrentToken string `json:"current_token"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.CurrentToken == "" {
		return nil, fault.Invalid("current_token is required")
	}

	issued, err := t.Tokens.Refresh(ctx, in.CurrentToken)
	if err != nil {
		return nil, err
	}

	t.Metrics.TokenIssued()
	t.Audit.Record(ctx, store.AuditEvent{
		EventType: audit.EventTokenRefreshed,
		AgentID:   issued.AgentID,
		Result:    audit.ResultOK,
	})
	return map[string]any{
		"token":      issued.Token,
		"expires_in": int64(time.Until(issued.ExpiresAt).Seconds()),
	}, nil
}
