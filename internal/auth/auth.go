// Package auth verifies opaque client tokens. Tokens are never interpreted;
// verification either yields the owning user or fails.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrInvalidToken is returned for unknown, empty, or revoked tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the result of a successful token verification.
type Identity struct {
	UserID string
}

// TokenVerifier checks an opaque token and returns who it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier verifies against a fixed token → user map, typically
// provisioned from configuration. Comparison is constant-time per candidate.
type StaticVerifier struct {
	tokens map[string]string
}

var _ TokenVerifier = (*StaticVerifier)(nil)

// NewStaticVerifier creates a verifier over a token → userID map. The map is
// copied.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

// Verify implements TokenVerifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	for candidate, userID := range v.tokens {
		if len(candidate) == len(token) &&
			subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return Identity{UserID: userID}, nil
		}
	}
	return Identity{}, ErrInvalidToken
}
