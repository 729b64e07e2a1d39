package tools

import (
	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/memory"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/search"
	"github.com/chalkboard-ai/chalkboard/internal/session"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
)

// Deps carries everything the standard tool set needs.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Tokens   *token.Manager
	Sessions *session.Service
	Memory   *memory.Service
	Search   *search.Service
	Bus      *bus.Bus
	Audit    *audit.Logger
	Metrics  *metrics.Collector
}

// RegisterAll wires the full tool surface into the dispatcher.
func RegisterAll(d *Dispatcher, deps Deps) {
	d.Register(
		&AuthenticateAgent{Auth: deps.Auth, Tokens: deps.Tokens, Audit: deps.Audit, Metrics: deps.Metrics},
		&RefreshToken{Tokens: deps.Tokens, Audit: deps.Audit, Metrics: deps.Metrics},

		&CreateSession{Sessions: deps.Sessions},
		&GetSession{Sessions: deps.Sessions},
		&AddMessage{Sessions: deps.Sessions},
		&GetMessages{Sessions: deps.Sessions},
		&SetMessageVisibility{Sessions: deps.Sessions},
		&CloseSession{Sessions: deps.Sessions},
		&DeleteSession{Sessions: deps.Sessions},

		&SearchContext{Search: deps.Search},
		&SearchBySender{Search: deps.Search},
		&SearchByTimeRange{Search: deps.Search},

		&SetMemory{Memory: deps.Memory},
		&GetMemory{Memory: deps.Memory},
		&ListMemory{Memory: deps.Memory},
		&DeleteMemory{Memory: deps.Memory},

		&GetUsageGuidance{},
		&GetAuditLog{Store: deps.Store},
		&GetPerformanceMetrics{Store: deps.Store, Metrics: deps.Metrics, Bus: deps.Bus},
	)
}
