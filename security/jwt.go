// Package security issues and validates the tenant-scoped API tokens the
// weave HTTP surface authenticates with. Tokens are HS256-signed JWTs
// carrying the tenant ID as a private claim, so every authenticated request
// is bound to exactly one tenant.
package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// tenantClaim is the private claim carrying the tenant a token is scoped to.
const tenantClaim = "tenant_id"

type JWTService struct {
	secret []byte
}

func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
	}
}

// GenerateToken issues a signed token for subject scoped to tenantID.
func (j *JWTService) GenerateToken(subject, tenantID string, expiration time.Duration) (string, error) {
	now := time.Now()

	token, err := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		Expiration(now.Add(expiration)).
		Claim(tenantClaim, tenantID).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken parses and verifies a token, returning the tenant it is
// scoped to. Expired or tampered tokens fail validation.
func (j *JWTService) ValidateToken(tokenString string) (tenantID string, err error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, j.secret))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claim, ok := token.Get(tenantClaim)
	if !ok {
		return "", fmt.Errorf("token carries no tenant claim")
	}
	tenantID, ok = claim.(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("token tenant claim is not a string")
	}

	return tenantID, nil
}
