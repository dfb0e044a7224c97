// Package capability implements JWT-scoped capability tokens the root
// broker attaches to registration acknowledgements, grounded directly
// on _examples/sweght-FEM-Protocol/protocol/go/capability.go (renamed
// from the teacher's agent-capability vocabulary to the spec's
// broker/core registration vocabulary, §4.4a).
package capability

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set carried by a registration capability: the
// scope of priority-channel commands a node may issue after joining.
type Claims struct {
	jwt.RegisteredClaims
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
}

// Manager creates and validates registration capability tokens.
type Manager struct {
	signingKey []byte
}

// NewManager creates a capability Manager using signingKey for HMAC
// signing. In production deployments the key is provisioned out of
// band per federation, not hardcoded.
func NewManager(signingKey []byte) *Manager {
	return &Manager{signingKey: signingKey}
}

// Issue mints a capability token scoping permissions (e.g. "register",
// "query", "disconnect") for subject, issued by issuer, valid for
// duration.
func (m *Manager) Issue(scope, issuer, subject string, permissions []string, duration time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
		Scope:       scope,
		Permissions: permissions,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// Validate parses and verifies tokenString, returning its claims if
// valid.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("capability: unexpected signing method %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("capability: parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("capability: invalid token")
	}
	return claims, nil
}

// HasPermission reports whether the claims grant permission, honoring
// the wildcard "*".
func (c *Claims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission || p == "*" {
			return true
		}
	}
	return false
}
