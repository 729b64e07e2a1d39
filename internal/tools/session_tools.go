package tools

import (
	"context"
	"encoding/json"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/session"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/pkg/protocol"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// CreateSession opens a new shared workspace.
type CreateSession struct {
	Sessions *session.Service
}

func (t *CreateSession) Name() string { return "create_session" }

func (t *CreateSession) Description() string {
	return "Create a shared session other agents can join. Returns the session id."
}

func (t *CreateSession) Permission() string { return auth.PermWrite }

func (t *CreateSession) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Optional explicit id (8-64 chars of [A-Za-z0-9_-]); generated when omitted"},
			"purpose":    {Type: "string", Description: "What this session is for"},
			"metadata":   schema.Object("Optional structured metadata"),
		},
		Required: []string{"purpose"},
	}
}

func (t *CreateSession) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string          `json:"session_id"`
		Purpose   string          `json:"purpose"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	sess, err := t.Sessions.Create(ctx, caller, in.SessionID, in.Purpose, in.Metadata)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sess.ID,
		"created_by": sess.CreatedBy,
		"created_at": protocol.UnixSeconds(sess.CreatedAt),
	}, nil
}

// GetSession returns session details plus the caller-visible message count.
type GetSession struct {
	Sessions *session.Service
}

func (t *GetSession) Name() string { return "get_session" }

func (t *GetSession) Description() string {
	return "Fetch a session's details and how many of its messages you can see."
}

func (t *GetSession) Permission() string { return auth.PermRead }

func (t *GetSession) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to fetch"},
		},
		Required: []string{"session_id"},
	}
}

func (t *GetSession) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	sess, count, err := t.Sessions.Get(ctx, caller, in.SessionID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"session_id":    sess.ID,
		"purpose":       sess.Purpose,
		"created_by":    sess.CreatedBy,
		"is_active":     sess.IsActive,
		"created_at":    protocol.UnixSeconds(sess.CreatedAt),
		"updated_at":    protocol.UnixSeconds(sess.UpdatedAt),
		"message_count": count,
	}
	if len(sess.Metadata) > 0 {
		out["metadata"] = sess.Metadata
	}
	return out, nil
}

// AddMessage posts a message to the session blackboard.
type AddMessage struct {
	Sessions *session.Service
}

func (t *AddMessage) Name() string { return "add_message" }

func (t *AddMessage) Description() string {
	return "Post a message to a session. Visibility controls which agents can read it."
}

func (t *AddMessage) Permission() string { return auth.PermWrite }

func (t *AddMessage) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Target session"},
			"content":    {Type: "string", Description: "Message body, at most 100000 characters"},
			"visibility": {
				Type:        "string",
				Description: "Who may read this message; defaults to public",
				Enum:        []string{"public", "private", "agent_only", "admin_only"},
			},
			"metadata":          schema.Object("Optional structured metadata"),
			"parent_message_id": {Type: "integer", Description: "Message this replies to, in the same session"},
		},
		Required: []string{"session_id", "content"},
	}
}

func (t *AddMessage) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID       string          `json:"session_id"`
		Content         string          `json:"content"`
		Visibility      string          `json:"visibility"`
		Metadata        json.RawMessage `json:"metadata"`
		ParentMessageID *int64          `json:"parent_message_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	msg, err := t.Sessions.AddMessage(ctx, caller, session.AddMessageInput{
		SessionID:       in.SessionID,
		Content:         in.Content,
		Visibility:      in.Visibility,
		Metadata:        in.Metadata,
		ParentMessageID: in.ParentMessageID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message_id": msg.ID,
		"timestamp":  protocol.UnixSeconds(msg.Timestamp),
		"visibility": msg.Visibility,
	}, nil
}

// GetMessages lists a session's messages through the caller's visibility
// filter.
type GetMessages struct {
	Sessions *session.Service
}

func (t *GetMessages) Name() string { return "get_messages" }

func (t *GetMessages) Description() string {
	return "List the messages you can see in a session, oldest first."
}

func (t *GetMessages) Permission() string { return auth.PermRead }

func (t *GetMessages) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to read"},
			"limit":      {Type: "integer", Description: "Max messages, capped at 200; default 50"},
			"offset":     {Type: "integer", Description: "Messages to skip"},
			"visibility_filter": {
				Type:        "string",
				Description: "Only return messages of this visibility tier",
				Enum:        []string{"public", "private", "agent_only", "admin_only"},
			},
		},
		Required: []string{"session_id"},
	}
}

func (t *GetMessages) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID        string `json:"session_id"`
		Limit            int    `json:"limit"`
		Offset           int    `json:"offset"`
		VisibilityFilter string `json:"visibility_filter"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	msgs, err := t.Sessions.Messages(ctx, caller, session.MessagesInput{
		SessionID:  in.SessionID,
		Visibility: in.VisibilityFilter,
		Limit:      in.Limit,
		Offset:     in.Offset,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"messages": renderMessages(msgs),
		"count":    len(msgs),
	}, nil
}

// SetMessageVisibility reclassifies a message.
type SetMessageVisibility struct {
	Sessions *session.Service
}

func (t *SetMessageVisibility) Name() string { return "set_message_visibility" }

func (t *SetMessageVisibility) Description() string {
	return "Change the visibility of one of your messages. Admins may reclassify any message."
}

func (t *SetMessageVisibility) Permission() string { return auth.PermWrite }

func (t *SetMessageVisibility) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"message_id": {Type: "integer", Description: "Message to reclassify"},
			"new_visibility": {
				Type:        "string",
				Description: "Target visibility tier",
				Enum:        []string{"public", "private", "agent_only", "admin_only"},
			},
			"reason": {Type: "string", Description: "Optional reason recorded in the audit log"},
		},
		Required: []string{"message_id", "new_visibility"},
	}
}

func (t *SetMessageVisibility) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		MessageID     int64  `json:"message_id"`
		NewVisibility string `json:"new_visibility"`
		Reason        string `json:"reason"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.MessageID == 0 {
		return nil, fault.Invalid("message_id is required")
	}

	msg, old, err := t.Sessions.SetVisibility(ctx, caller, in.MessageID, in.NewVisibility, in.Reason)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message_id":     msg.ID,
		"old_visibility": old,
		"new_visibility": msg.Visibility,
	}, nil
}

// CloseSession deactivates a session, keeping its history readable.
type CloseSession struct {
	Sessions *session.Service
}

func (t *CloseSession) Name() string { return "close_session" }

func (t *CloseSession) Description() string {
	return "Close a session you created. History stays readable; new messages are rejected."
}

func (t *CloseSession) Permission() string { return auth.PermWrite }

func (t *CloseSession) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to close"},
		},
		Required: []string{"session_id"},
	}
}

func (t *CloseSession) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	sess, err := t.Sessions.Close(ctx, caller, in.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session_id": sess.ID,
		"is_active":  sess.IsActive,
	}, nil
}

// DeleteSession removes a session and everything in it. Admin only.
type DeleteSession struct {
	Sessions *session.Service
}

func (t *DeleteSession) Name() string { return "delete_session" }

func (t *DeleteSession) Description() string {
	return "Permanently delete a session, its messages, and its session-scoped memory."
}

func (t *DeleteSession) Permission() string { return auth.PermAdmin }

func (t *DeleteSession) Schema() *schema.Schema {
	return &schema.Schema{
		Type: "object",
		Properties: map[string]*schema.Property{
			"session_id": {Type: "string", Description: "Session to delete"},
		},
		Required: []string{"session_id"},
	}
}

func (t *DeleteSession) Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if in.SessionID == "" {
		return nil, fault.Invalid("session_id is required")
	}

	if err := t.Sessions.Delete(ctx, caller, in.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": in.SessionID}, nil
}

func renderMessages(msgs []store.Message) []map[string]any {
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, renderMessage(m))
	}
	return out
}

func renderMessage(m store.Message) map[string]any {
	r := map[string]any{
		"message_id":   m.ID,
		"session_id":   m.SessionID,
		"sender":       m.Sender,
		"sender_type":  m.SenderType,
		"content":      m.Content,
		"visibility":   m.Visibility,
		"message_type": m.MessageType,
		"timestamp":    protocol.UnixSeconds(m.Timestamp),
	}
	if len(m.Metadata) > 0 {
		r["metadata"] = m.Metadata
	}
	if m.ParentMessageID != nil {
		r["parent_message_id"] = *m.ParentMessageID
	}
	return r
}
