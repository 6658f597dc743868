package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Claims is the JWT payload issued by the auth subsystem.
type Claims struct {
	UserID      string   `json:"userId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens locally. The signing key
// is shared with the token issuer; no network round trip is needed.
type JWTVerifier struct {
	secretKey []byte
	logger    zerolog.Logger
}

func NewJWTVerifier(secretKey string, logger zerolog.Logger) *JWTVerifier {
	return &JWTVerifier{
		secretKey: []byte(secretKey),
		logger:    logger.With().Str("component", "jwt_verifier").Logger(),
	}
}

// Verify validates the token signature and expiry and extracts the
// session identity. Failures are logged with detail but collapse to
// ErrInvalidToken at the protocol surface.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		v.logger.Debug().Err(err).Msg("Token verification failed")
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		v.logger.Debug().Msg("Token claims invalid")
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		UserID:      claims.UserID,
		Role:        ParseRole(claims.Role),
		Permissions: claims.Permissions,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// IssueToken signs a token for the given identity. Test and tooling
// helper; production issuance lives in the auth subsystem.
func (v *JWTVerifier) IssueToken(id Identity, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:      id.UserID,
		Role:        string(id.Role),
		Permissions: id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   id.UserID,
			Issuer:    "streamgate",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
