package auth

import (
	"context"
	"errors"
	"time"
)

// Role is the access tier attached to an authenticated session.
// The tier selects the per-connection message rate limit.
type Role string

const (
	RoleUser          Role = "user"
	RoleInstitutional Role = "institutional"
	RoleAdmin         Role = "admin"
)

// ParseRole normalizes a role claim, defaulting unknown values to
// the base user tier.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleInstitutional:
		return RoleInstitutional
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Identity is the result of a successful token verification.
type Identity struct {
	UserID      string
	Role        Role
	Permissions []string
	ExpiresAt   time.Time
}

// HasPermission checks a capability against the identity's grants.
// Admins implicitly hold every permission.
func (id Identity) HasPermission(perm string) bool {
	if id.Role == RoleAdmin {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// ErrInvalidToken is the only failure the protocol surface reveals.
// Implementations may log expired-vs-malformed distinctions but must
// return this error to the caller.
var ErrInvalidToken = errors.New("invalid token")

// TokenVerifier maps an opaque bearer token to an identity. The core
// never sees token secrets and does not persist tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier is a fixed token table. Used in tests and local
// development where no token issuer is running.
type StaticVerifier struct {
	Tokens map[string]Identity
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v.Tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !id.ExpiresAt.IsZero() && time.Now().After(id.ExpiresAt) {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
