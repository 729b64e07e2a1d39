// Package metrics collects lightweight operational counters for the
// performance snapshot exposed to admins.
package metrics

import (
	"database/sql"
	"sync/atomic"
	"time"
)

// Collector accumulates counters. All methods are safe for concurrent use.
type Collector struct {
	start time.Time

	toolCalls      atomic.Int64
	toolErrors     atomic.Int64
	messagesAdded  atomic.Int64
	tokensIssued   atomic.Int64
	authFailures   atomic.Int64
	rateLimited    atomic.Int64
	wsConnections  atomic.Int64
	eventsDropped  atomic.Int64
	sweptMemory    atomic.Int64
	sweptTokens    atomic.Int64
	purgedAuditRow atomic.Int64
}

// New creates a collector with the uptime clock started.
func New() *Collector {
	return &Collector{start: time.Now()}
}

func (c *Collector) ToolCall()             { c.toolCalls.Add(1) }
func (c *Collector) ToolError()            { c.toolErrors.Add(1) }
func (c *Collector) MessageAdded()         { c.messagesAdded.Add(1) }
func (c *Collector) TokenIssued()          { c.tokensIssued.Add(1) }
func (c *Collector) AuthFailure()          { c.authFailures.Add(1) }
func (c *Collector) RateLimited()          { c.rateLimited.Add(1) }
func (c *Collector) WSConnected()          { c.wsConnections.Add(1) }
func (c *Collector) WSDisconnected()       { c.wsConnections.Add(-1) }
func (c *Collector) SetEventsDropped(n int64) { c.eventsDropped.Store(n) }
func (c *Collector) MemorySwept(n int64)   { c.sweptMemory.Add(n) }
func (c *Collector) TokensSwept(n int64)   { c.sweptTokens.Add(n) }
func (c *Collector) AuditPurged(n int64)   { c.purgedAuditRow.Add(n) }

// Snapshot is a point-in-time view of the counters plus database pool state.
type Snapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	ToolCalls       int64   `json:"tool_calls"`
	ToolErrors      int64   `json:"tool_errors"`
	MessagesAdded   int64   `json:"messages_added"`
	TokensIssued    int64   `json:"tokens_issued"`
	AuthFailures    int64   `json:"auth_failures"`
	RateLimited     int64   `json:"rate_limited"`
	WSConnections   int64   `json:"ws_connections"`
	EventsDropped   int64   `json:"events_dropped"`
	MemorySwept     int64   `json:"memory_entries_swept"`
	TokensSwept     int64   `json:"tokens_swept"`
	AuditRowsPurged int64   `json:"audit_rows_purged"`

	DB DBSnapshot `json:"db"`
}

// DBSnapshot is the subset of sql.DBStats worth exposing.
type DBSnapshot struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

// Snapshot captures the current counters alongside the pool stats.
func (c *Collector) Snapshot(stats sql.DBStats) Snapshot {
	return Snapshot{
		UptimeSeconds:   time.Since(c.start).Seconds(),
		ToolCalls:       c.toolCalls.Load(),
		ToolErrors:      c.toolErrors.Load(),
		MessagesAdded:   c.messagesAdded.Load(),
		TokensIssued:    c.tokensIssued.Load(),
		AuthFailures:    c.authFailures.Load(),
		RateLimited:     c.rateLimited.Load(),
		WSConnections:   c.wsConnections.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		MemorySwept:     c.sweptMemory.Load(),
		TokensSwept:     c.sweptTokens.Load(),
		AuditRowsPurged: c.purgedAuditRow.Load(),
		DB: DBSnapshot{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
		},
	}
}
