package auth

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleInstitutional, ParseRole("institutional"))
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleUser, ParseRole("user"))
	assert.Equal(t, RoleUser, ParseRole(""))
	assert.Equal(t, RoleUser, ParseRole("superuser"))
}

func TestIdentityHasPermission(t *testing.T) {
	id := Identity{UserID: "u1", Role: RoleUser, Permissions: []string{"publish"}}
	assert.True(t, id.HasPermission("publish"))
	assert.False(t, id.HasPermission("admin:channels"))

	admin := Identity{UserID: "a1", Role: RoleAdmin}
	assert.True(t, admin.HasPermission("publish"), "admin holds every permission")
	assert.True(t, admin.HasPermission("anything"))
}

func TestJWTVerifierRoundtrip(t *testing.T) {
	v := NewJWTVerifier("test-secret", zerolog.Nop())

	token, err := v.IssueToken(Identity{
		UserID:      "user-42",
		Role:        RoleInstitutional,
		Permissions: []string{"publish"},
	}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.UserID)
	assert.Equal(t, RoleInstitutional, id.Role)
	assert.Equal(t, []string{"publish"}, id.Permissions)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, time.Minute)
}

func TestJWTVerifierRejectsBadTokens(t *testing.T) {
	v := NewJWTVerifier("test-secret", zerolog.Nop())

	_, err := v.Verify(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Signed with a different key.
	other := NewJWTVerifier("other-secret", zerolog.Nop())
	token, err := other.IssueToken(Identity{UserID: "u1", Role: RoleUser}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	expired, err := v.IssueToken(Identity{UserID: "u1", Role: RoleUser}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTVerifierHonorsContext(t *testing.T) {
	v := NewJWTVerifier("test-secret", zerolog.Nop())
	token, err := v.IssueToken(Identity{UserID: "u1", Role: RoleUser}, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Tokens: map[string]Identity{
		"good": {UserID: "u1", Role: RoleUser},
		"old":  {UserID: "u2", Role: RoleUser, ExpiresAt: time.Now().Add(-time.Hour)},
	}}

	id, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)

	_, err = v.Verify(context.Background(), "old")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Verify(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
