// Package token issues and resolves capability tokens. A capability token is
// a signed JWT carrying an agent's identity and permissions; it is never
// handed to clients directly. Instead it is sealed into a protected token: an
// opaque sct_<uuid> id whose ciphertext lives encrypted at rest.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/chalkboard-ai/chalkboard/internal/fault"
	"github.com/chalkboard-ai/chalkboard/internal/store"
)

const (
	issuer   = "chalkboard"
	audience = "chalkboard-agents"

	// ProtectedPrefix marks opaque token ids on the wire.
	ProtectedPrefix = "sct_"

	// clockLeeway tolerates skew between issuing and validating hosts.
	clockLeeway = 5 * time.Minute
)

// Capability is the claim set inside a capability token.
type Capability struct {
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Issued describes a freshly minted protected token.
type Issued struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager mints, seals, resolves, and refreshes tokens.
type Manager struct {
	store      store.Store
	signingKey []byte
	encKey     []byte
	ttl        time.Duration
	logger     *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewManager creates a token manager. The encryption key must be 32 bytes.
func NewManager(st store.Store, signingKey string, encryptionKey []byte, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(encryptionKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      st,
		signingKey: []byte(signingKey),
		encKey:     encryptionKey,
		ttl:        ttl,
		logger:     logger.With("component", "token"),
		now:        time.Now,
	}, nil
}

// Issue mints a capability token for the agent, seals it, stores the
// ciphertext, and returns the opaque protected token.
func (m *Manager) Issue(ctx context.Context, agentID, agentType string, permissions []string) (*Issued, error) {
	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)

	claims := Capability{
		AgentID:     agentID,
		AgentType:   agentType,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return nil, fmt.Errorf("sign capability token: %w", err)
	}

	ciphertext, err := m.seal([]byte(signed))
	if err != nil {
		return nil, fmt.Errorf("seal capability token: %w", err)
	}

	tokenID := ProtectedPrefix + uuid.NewString()
	rec := &store.TokenRecord{
		TokenID:   tokenID,
		AgentID:   agentID,
		Payload:   ciphertext,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := m.store.PutToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("store protected token: %w", err)
	}

	m.logger.Debug("token issued", "agent_id", agentID, "agent_type", agentType, "expires_at", expiresAt)
	return &Issued{Token: tokenID, AgentID: agentID, ExpiresAt: expiresAt}, nil
}

// Resolve exchanges a protected token for its capability claims. Expired or
// unknown tokens resolve to coded errors, never to partial claims.
func (m *Manager) Resolve(ctx context.Context, protectedToken string) (*Capability, error) {
	if !strings.HasPrefix(protectedToken, ProtectedPrefix) {
		return nil, fault.InvalidToken("malformed token")
	}

	rec, err := m.store.GetToken(ctx, protectedToken)
	if err != nil {
		return nil, fault.Unavailable("token lookup failed")
	}
	if rec == nil {
		return nil, fault.InvalidToken("unknown token")
	}
	if !rec.ExpiresAt.After(m.now().UTC()) {
		return nil, fault.New(fault.CodeTokenExpired, "token expired")
	}

	plaintext, err := m.open(rec.Payload)
	if err != nil {
		// Decryption failure on a stored record means key rotation or
		// tampering; treat as invalid, not internal.
		m.logger.Warn("stored token failed to decrypt", "agent_id", rec.AgentID)
		return nil, fault.InvalidToken("undecryptable token")
	}

	claims := &Capability{}
	_, err = jwt.ParseWithClaims(string(plaintext), claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.signingKey, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(clockLeeway),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fault.New(fault.CodeTokenExpired, "token expired")
		}
		return nil, fault.InvalidToken("invalid capability token")
	}

	return claims, nil
}

// Refresh issues a replacement before revoking the old token, so a crash
// between the two steps strands an extra live token rather than locking the
// agent out. Sweep reclaims strays.
func (m *Manager) Refresh(ctx context.Context, protectedToken string) (*Issued, error) {
	claims, err := m.Resolve(ctx, protectedToken)
	if err != nil {
		return nil, err
	}

	issued, err := m.Issue(ctx, claims.AgentID, claims.AgentType, claims.Permissions)
	if err != nil {
		return nil, err
	}

	if err := m.store.DeleteToken(ctx, protectedToken); err != nil {
		m.logger.Warn("failed to revoke refreshed token", "agent_id", claims.AgentID, "error", err)
	}
	return issued, nil
}

// Revoke deletes a protected token. Revoking an unknown token is not an
// error.
func (m *Manager) Revoke(ctx context.Context, protectedToken string) error {
	if !strings.HasPrefix(protectedToken, ProtectedPrefix) {
		return fault.InvalidToken("malformed token")
	}
	return m.store.DeleteToken(ctx, protectedToken)
}

// Sweep deletes expired protected tokens.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.store.SweepExpiredTokens(ctx, m.now().UTC())
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.encKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(m.encKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}
