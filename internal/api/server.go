// Package api exposes the tool dispatch surface over HTTP and the realtime
// event channel over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/chalkboard-ai/chalkboard/internal/bus"
	"github.com/chalkboard-ai/chalkboard/internal/config"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/metrics"
	"github.com/chalkboard-ai/chalkboard/internal/store"
	"github.com/chalkboard-ai/chalkboard/internal/token"
	"github.com/chalkboard-ai/chalkboard/internal/tools"
)

// Server is the HTTP and WebSocket front end.
type Server struct {
	cfg        *config.Config
	dispatcher *tools.Dispatcher
	tokens     *token.Manager
	store      store.Store
	bus        *bus.Bus
	metrics    *metrics.Collector
	logger     *slog.Logger

	httpServer *http.Server

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	connMu       sync.Mutex
	connsByAgent map[string]int
}

// NewServer creates the front end.
func NewServer(cfg *config.Config, d *tools.Dispatcher, tm *token.Manager, st store.Store, b *bus.Bus, mc *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:          cfg,
		dispatcher:   d,
		tokens:       tm,
		store:        st,
		bus:          b,
		metrics:      mc,
		logger:       logger.With("component", "api"),
		limiters:     make(map[string]*rate.Limiter),
		connsByAgent: make(map[string]int),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Post("/broadcast/{session_id}", s.handleBroadcast)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/v1/tools/{name}", s.handleToolCall)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			err = s.httpServer.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("listening", "addr", s.cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleToolCall dispatches POST /v1/tools/{name}. The bearer token is the
// caller's protected token; authenticate_agent and refresh_token accept an
// empty one.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	var args json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"code":    fault.CodeInvalidInput,
			"error":   "request body is not valid JSON",
		})
		return
	}

	envelope := s.dispatcher.Dispatch(r.Context(), bearerToken(r), name, args)
	s.writeJSON(w, statusFor(envelope), envelope)
}

// handleBroadcast accepts post-commit events from co-hosted components and
// republishes them to local subscribers. Loopback callers only.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || !net.ParseIP(host).IsLoopback() {
		s.writeJSON(w, http.StatusForbidden, map[string]any{"success": false})
		return
	}

	sessionID := chi.URLParam(r, "session_id")
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)

	var in struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Type == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false})
		return
	}

	s.bus.Publish(bus.Event{Name: in.Type, SessionID: sessionID, Data: in.Data})
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleHealth is deliberately minimal: it reveals nothing about the
// deployment to unauthenticated callers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// --- middleware ---

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// rateLimit applies a per-client token bucket keyed by remote IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiterFor(host).Allow() {
			s.metrics.RateLimited()
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"success": false,
				"code":    fault.CodeRateLimited,
				"error":   "rate limit exceeded; retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.Limits.RequestsPerSecond), s.cfg.Limits.Burst)
		s.limiters[key] = l
	}
	return l
}

// --- helpers ---

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func statusFor(envelope map[string]any) int {
	if envelope["success"] == true {
		return http.StatusOK
	}
	switch envelope["code"] {
	case fault.CodeInvalidInput:
		return http.StatusBadRequest
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodePermissionDenied:
		return http.StatusForbidden
	case fault.CodeAuthFailed, fault.CodeInvalidToken, fault.CodeTokenExpired:
		return http.StatusUnauthorized
	case fault.CodeConflict, fault.CodeSessionLocked:
		return http.StatusConflict
	case fault.CodeRateLimited:
		return http.StatusTooManyRequests
	case fault.CodeDatabaseUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}
