// Package auth maps permissions to access tiers and verifies the bootstrap
// API key.
package auth

import (
	"crypto/subtle"
	"slices"

	"github.com/chalkboard-ai/chalkboard/internal/fault"
)

// Permissions an agent can hold.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)

// Tier is the access level derived from a permission set.
type Tier int

const (
	TierAnonymous Tier = iota
	TierReadOnly
	TierAgent
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierAdmin:
		return "admin"
	case TierAgent:
		return "agent"
	case TierReadOnly:
		return "read_only"
	default:
		return "anonymous"
	}
}

// TierOf derives the access tier from a permission set. Admin subsumes the
// lower tiers; write without read still counts as a full agent.
func TierOf(permissions []string) Tier {
	var read, write, admin bool
	for _, p := range permissions {
		switch p {
		case PermRead:
			read = true
		case PermWrite:
			write = true
		case PermAdmin:
			admin = true
		}
	}
	switch {
	case admin:
		return TierAdmin
	case write:
		return TierAgent
	case read:
		return TierReadOnly
	default:
		return TierAnonymous
	}
}

// Identity is an authenticated caller.
type Identity struct {
	AgentID     string
	AgentType   string
	Permissions []string
}

// Tier returns the caller's access tier.
func (id *Identity) Tier() Tier {
	return TierOf(id.Permissions)
}

// Has reports whether the identity holds the permission. Admin implies read
// and write.
func (id *Identity) Has(permission string) bool {
	if slices.Contains(id.Permissions, permission) {
		return true
	}
	return permission != PermAdmin && slices.Contains(id.Permissions, PermAdmin)
}

// Service verifies the bootstrap API key and decides which permissions an
// agent registration is granted.
type Service struct {
	apiKey          string
	typePermissions map[string][]string
}

// NewService creates an auth service. typePermissions caps what each agent
// type may be granted; types absent from the map get read and write.
func NewService(apiKey string, typePermissions map[string][]string) *Service {
	return &Service{apiKey: apiKey, typePermissions: typePermissions}
}

// VerifyAPIKey checks the registration API key in constant time.
func (s *Service) VerifyAPIKey(presented string) error {
	if subtle.ConstantTimeCompare([]byte(s.apiKey), []byte(presented)) != 1 {
		return fault.New(fault.CodeAuthFailed, "invalid API key")
	}
	return nil
}

// Grant intersects the requested permissions with what the agent type is
// allowed. An empty request defaults to read-only, and so does a request
// that survives the intersection with nothing: every authenticated agent
// can at least read.
func (s *Service) Grant(agentType string, requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = []string{PermRead}
	}

	allowed, ok := s.typePermissions[agentType]
	if !ok {
		allowed = []string{PermRead, PermWrite}
	}

	var granted []string
	for _, p := range requested {
		switch p {
		case PermRead, PermWrite, PermAdmin:
		default:
			return nil, fault.Invalid("unknown permission %q", p)
		}
		if slices.Contains(allowed, p) {
			granted = append(granted, p)
		}
	}
	if len(granted) == 0 {
		granted = []string{PermRead}
	}
	return granted, nil
}
