// Package authz reads the identity carried by the dashboard bearer token.
//
// Tokens are not verified here; the backend does that on every request and
// on the stream handshake. The claims are only used for logging and for an
// early warning when the token has already expired.
package authz

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

var ErrEmptyToken = errors.New("token is empty")

type Identity struct {
	UserID    string
	TenantID  string
	Roles     []string
	ExpiresAt *time.Time
}

// Expired reports whether the token carries an expiry at or before now.
func (i Identity) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Role is the "role" claim when present, otherwise the first listed role.
func (i Identity) Role() string {
	if len(i.Roles) == 0 {
		return ""
	}
	return i.Roles[0]
}

func Inspect(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrEmptyToken
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, errors.Wrap(err, "parse token")
	}

	id := Identity{Roles: rolesFromClaims(claims)}
	id.UserID, _ = claims["sub"].(string)
	id.TenantID, _ = claims["tid"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		t := time.Unix(int64(exp), 0).UTC()
		id.ExpiresAt = &t
	}
	return id, nil
}

// rolesFromClaims puts the single "role" claim first, followed by any
// distinct entries of "roles".
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	seen := map[string]bool{}
	add := func(r string) {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			return
		}
		seen[r] = true
		roles = append(roles, r)
	}

	if single, ok := claims["role"].(string); ok {
		add(single)
	}
	switch v := claims["roles"].(type) {
	case []interface{}:
		for _, val := range v {
			if s, ok := val.(string); ok {
				add(s)
			}
		}
	case string:
		add(v)
	}
	return roles
}
