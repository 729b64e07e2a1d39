// Package tools exposes the server's operations as named, schema-described
// tools. The dispatcher resolves the caller's protected token, enforces the
// tool's required permission, and renders uniform success and error
// envelopes.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
	"github.com/chalkboard-ai/chalkboard/pkg/schema"
)

// PermissionNone marks tools callable without a token.
const PermissionNone = "none"

// Tool is one named operation.
type Tool interface {
	// Name is the operation identifier agents call.
	Name() string
	// Description tells agents what the tool does.
	Description() string
	// Schema describes the tool's arguments.
	Schema() *schema.Schema
	// Permission is the minimum permission required: PermissionNone,
	// auth.PermRead, auth.PermWrite, or auth.PermAdmin.
	Permission() string
	// Call executes the tool. caller is nil only for PermissionNone tools.
	Call(ctx context.Context, caller *auth.Identity, args json.RawMessage) (map[string]any, error)
}

// Dispatcher routes tool calls.
type Dispatcher struct {
	tools   map[string]Tool
	tokens  *token.Manager
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(tm *token.Manager, al *audit.Logger, mc *metrics.Collector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tools:   make(map[string]Tool),
		tokens:  tm,
		audit:   al,
		metrics: mc,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds tools to the dispatcher. Duplicate names panic at wiring
// time.
func (d *Dispatcher) Register(tools ...Tool) {
	for _, t := range tools {
		if _, exists := d.tools[t.Name()]; exists {
			panic("tools: duplicate tool " + t.Name())
		}
		d.tools[t.Name()] = t
	}
}

// Names returns the registered tool names, sorted.
func (d *Dispatcher) Names() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the tool by name.
func (d *Dispatcher) Lookup(name string) (Tool, bool) {
	t, ok := d.tools[name]
	return t, ok
}

// Dispatch authenticates, authorizes, and runs the named tool, returning the
// response envelope. It never returns an error: failures render as
// {success:false, code, error} envelopes.
func (d *Dispatcher) Dispatch(ctx context.Context, protectedToken, name string, args json.RawMessage) map[string]any {
	d.metrics.ToolCall()

	t, ok := d.tools[name]
	if !ok {
		return d.fail(fault.NotFound("unknown tool %q", name))
	}

	var caller *auth.Identity
	if t.Permission() != PermissionNone {
		claims, err := d.tokens.Resolve(ctx, protectedToken)
		if err != nil {
			d.metrics.AuthFailure()
			d.audit.Record(ctx, store.AuditEvent{
				EventType: audit.EventAuthFailed,
				Action:    name,
				Result:    audit.ResultDenied,
			})
			return d.fail(err)
		}
		caller = &auth.Identity{
			AgentID:     claims.AgentID,
			AgentType:   claims.AgentType,
			Permissions: claims.Permissions,
		}
		if !caller.Has(t.Permission()) {
			d.audit.Record(ctx, store.AuditEvent{
				EventType: audit.EventDenied,
				AgentID:   caller.AgentID,
				Action:    name,
				Result:    audit.ResultDenied,
			})
			return d.fail(fault.Denied("%s requires the %s permission", name, t.Permission()))
		}
	}

	result, err := t.Call(ctx, caller, args)
	if err != nil {
		if fault.CodeOf(err) == fault.CodePermissionDenied && caller != nil {
			d.audit.Record(ctx, store.AuditEvent{
				EventType: audit.EventDenied,
				AgentID:   caller.AgentID,
				Action:    name,
				Result:    audit.ResultDenied,
			})
		}
		return d.fail(err)
	}

	envelope := map[string]any{"success": true}
	for k, v := range result {
		envelope[k] = v
	}
	return envelope
}

func (d *Dispatcher) fail(err error) map[string]any {
	d.metrics.ToolError()
	fe, ok := fault.As(err)
	if !ok {
		d.logger.Error("tool call failed", "error", err)
		fe = fault.New(fault.CodeInternal, "internal error")
	}
	envelope := map[string]any{
		"success": false,
		"code":    fe.Code,
		"error":   fe.Message,
	}
	if len(fe.Details) > 0 {
		envelope["details"] = fe.Details
	}
	return envelope
}

// decode unmarshals tool args strictly enough to catch type errors while
// tolerating extra fields.
func decode(args json.RawMessage, into any) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fault.Invalid("malformed arguments: %v", err)
	}
	return nil
}
