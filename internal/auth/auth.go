// Package auth validates bearer credentials presented at connection admission.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"

	"mcpgateway-go/internal/config"
)

// ErrInvalidToken is returned for missing or unknown credentials.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	Subject   string   `json:"subject"`
	Workspace string   `json:"workspace,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// HasScope reports whether the identity carries scope.
func (id *Identity) HasScope(scope string) bool {
	if id == nil {
		return false
	}
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// StaticTokens authenticates against a fixed token table. The table can be
// swapped at runtime with Update.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens []config.TokenConfig
}

// NewStaticTokens creates an authenticator from configured tokens.
func NewStaticTokens(tokens []config.TokenConfig) *StaticTokens {
	s := &StaticTokens{}
	s.Update(tokens)
	return s
}

// Update replaces the token table.
func (s *StaticTokens) Update(tokens []config.TokenConfig) {
	copied := make([]config.TokenConfig, len(tokens))
	copy(copied, tokens)

	s.mu.Lock()
	s.tokens = copied
	s.mu.Unlock()
}

// Authenticate implements Authenticator. Tokens are compared in constant time.
func (s *StaticTokens) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 {
			scopes := make([]string, len(t.Scopes))
			copy(scopes, t.Scopes)
			return &Identity{Subject: t.Subject, Workspace: t.Workspace, Scopes: scopes}, nil
		}
	}
	return nil, ErrInvalidToken
}
