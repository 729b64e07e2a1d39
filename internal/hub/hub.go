// Package hub is the main orchestrator that ties all server components
// together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/api"
	"github.com/chalkboard-ai/chalkboard/internal/audit"
	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/config"
	"github.com/chalkboard-ai/chalkboard/internal/memory"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/search"
	"github.com/chalkboard-ai/chalkboard/internal/session"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
	"github.com/chalkboard-ai/chalkboard/internal/tools"
)

// Hub is the main server process.
type Hub struct {
	cfg     *config.Config
	store   store.Store
	tokens  *token.Manager
	memory  *memory.Service
	api     *api.Server
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	tm, err := token.NewManager(db, cfg.Auth.SigningKey, cfg.Auth.EncryptionKey, cfg.Auth.TokenTTL.Duration, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token manager: %w", err)
	}

	al := audit.NewLogger(db, logger)
	mc := metrics.New()
	b := bus.New(cfg.Notify.SubscriberBuffer, logger)

	var bridge *bus.Bridge
	if cfg.Notify.BridgeURL != "" {
		bridge = bus.NewBridge(cfg.Notify.BridgeURL, cfg.Notify.BridgeTimeout.Duration, logger)
	}

	locks := store.NewSessionLocks()
	authSvc := auth.NewService(cfg.Auth.APIKey, cfg.Auth.AgentTypePermissions)
	sessions := session.New(db, locks, b, bridge, al, mc, logger)
	mem := memory.New(db, b, al, logger)

	d := tools.NewDispatcher(tm, al, mc, logger)
	tools.RegisterAll(d, tools.Deps{
		Store:    db,
		Auth:     authSvc,
		Tokens:   tm,
		Sessions: sessions,
		Memory:   mem,
		Search:   search.New(db, logger),
		Bus:      b,
		Audit:    al,
		Metrics:  mc,
	})

	h := &Hub{
		cfg:     cfg,
		store:   db,
		tokens:  tm,
		memory:  mem,
		api:     api.NewServer(cfg, d, tm, db, b, mc, logger),
		metrics: mc,
		logger:  logger.With("component", "hub"),
	}

	// Startup validation warnings.
	if len(cfg.Auth.APIKey) < 32 {
		logger.Warn("API key is shorter than 32 characters — use a stronger key in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if cfg.Server.TLSCert == "" || cfg.Server.TLSKey == "" {
		logger.Warn("TLS not configured, running without encryption (development only)")
	}

	return h, nil
}

// Run starts the server and background loops, blocking until the context is
// canceled or the listener fails.
func (h *Hub) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.runSweeper(runCtx, h.cfg.Limits.SweepInterval.Duration)
	if h.cfg.Storage.AuditRetention.Duration > 0 {
		go h.runAuditPurger(runCtx, h.cfg.Storage.AuditRetention.Duration)
	}

	err := h.api.Run(runCtx)

	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")
	if err != nil {
		return err
	}
	return ctx.Err()
}

// runSweeper removes expired memory entries and token records on a fixed
// cadence. Reads already filter expired rows; the sweep just reclaims space.
func (h *Hub) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := h.memory.Sweep(ctx); err != nil {
				h.logger.Warn("memory sweep failed", "error", err)
			} else if n > 0 {
				h.metrics.MemorySwept(n)
				h.logger.Debug("swept expired memory", "count", n)
			}
			if n, err := h.tokens.Sweep(ctx); err != nil {
				h.logger.Warn("token sweep failed", "error", err)
			} else if n > 0 {
				h.metrics.TokensSwept(n)
				h.logger.Debug("swept expired tokens", "count", n)
			}
		}
	}
}

func (h *Hub) runAuditPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
				h.logger.Warn("audit purge failed", "error", err)
			} else if n > 0 {
				h.metrics.AuditPurged(n)
				h.logger.Info("purged old audit events", "count", n)
			}
		}
	}
}
