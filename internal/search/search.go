// Package search implements fuzzy and structured search over session
// messages. Every query runs through the caller's visibility filter first;
// scoring never sees messages the caller could not read.
package search

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chalkboard-ai/chalkboard/internal/auth"
	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/store"
)

// Defaults and caps.
const (
	DefaultThreshold = 60
	DefaultLimit     = 10
	MaxLimit         = 100

	// candidateWindow bounds how many recent messages a fuzzy query scans.
	candidateWindow = 1000
)

// Service runs searches against the store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a search service.
func New(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger.With("component", "search")}
}

// Search scopes. Content is always scored; sender and metadata widen the
// scored fields, all widens to everything.
const (
	ScopeContent  = "content"
	ScopeSender   = "sender"
	ScopeMetadata = "metadata"
	ScopeAll      = "all"
)

// Match is one scored search hit.
type Match struct {
	Message store.Message `json:"message"`
	Score   int           `json:"score"`
}

// ContextInput parameterizes a fuzzy search.
type ContextInput struct {
	SessionID string
	Query     string
	Threshold int    // 0 means DefaultThreshold
	Limit     int    // 0 means DefaultLimit
	Scope     string // content (default), sender, metadata, or all
}

// Context fuzzy-searches the caller's visible messages, best match first.
// Ties break toward newer messages.
func (s *Service) Context(ctx context.Context, id *auth.Identity, in ContextInput) ([]Match, error) {
	if in.Query == "" {
		return nil, fault.Invalid("query is required")
	}
	if in.Threshold == 0 {
		in.Threshold = DefaultThreshold
	}
	if in.Threshold < 1 || in.Threshold > 100 {
		return nil, fault.Invalid("threshold must be between 1 and 100")
	}
	if in.Limit <= 0 {
		in.Limit = DefaultLimit
	}
	if in.Limit > MaxLimit {
		in.Limit = MaxLimit
	}
	if in.Scope == "" {
		in.Scope = ScopeContent
	}
	switch in.Scope {
	case ScopeContent, ScopeSender, ScopeMetadata, ScopeAll:
	default:
		return nil, fault.Invalid("unknown search_scope %q", in.Scope)
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return nil, fault.Unavailable("get session failed")
	}
	if sess == nil {
		return nil, fault.NotFound("session %q not found", in.SessionID)
	}

	candidates, err := s.store.GetMessages(ctx, store.MessagesQuery{
		SessionID:   in.SessionID,
		Reader:      readerOf(id),
		Limit:       candidateWindow,
		NewestFirst: true,
	})
	if err != nil {
		return nil, fault.Unavailable("load messages failed")
	}

	var matches []Match
	for _, m := range candidates {
		score := Score(in.Query, m.Content)
		if in.Scope == ScopeSender || in.Scope == ScopeAll {
			if ss := Score(in.Query, m.Sender); ss > score {
				score = ss
			}
		}
		if (in.Scope == ScopeMetadata || in.Scope == ScopeAll) && len(m.Metadata) > 0 {
			if ms := Score(in.Query, string(m.Metadata)); ms > score {
				score = ms
			}
		}
		if score >= in.Threshold {
			matches = append(matches, Match{Message: m, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Message.Timestamp.After(matches[j].Message.Timestamp)
	})
	if len(matches) > in.Limit {
		matches = matches[:in.Limit]
	}
	return matches, nil
}

// BySender returns the caller-visible messages from one sender, newest
// first.
func (s *Service) BySender(ctx context.Context, id *auth.Identity, sessionID, sender string, limit int) ([]store.Message, error) {
	if sender == "" {
		return nil, fault.Invalid("sender is required")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	msgs, err := s.store.SearchBySender(ctx, sessionID, readerOf(id), sender, limit)
	if err != nil {
		return nil, fault.Unavailable("search failed")
	}
	return msgs, nil
}

// ByTimeRange returns the caller-visible messages within [start, end],
// newest first.
func (s *Service) ByTimeRange(ctx context.Context, id *auth.Identity, sessionID string, start, end time.Time, limit int) ([]store.Message, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fault.Invalid("start and end are required")
	}
	if end.Before(start) {
		return nil, fault.Invalid("end precedes start")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	msgs, err := s.store.SearchByTimeRange(ctx, sessionID, readerOf(id), start, end, limit)
	if err != nil {
		return nil, fault.Unavailable("search failed")
	}
	return msgs, nil
}

func readerOf(id *auth.Identity) store.Reader {
	return store.Reader{
		AgentID:   id.AgentID,
		AgentType: id.AgentType,
		Admin:     id.Tier() == auth.TierAdmin,
	}
}
