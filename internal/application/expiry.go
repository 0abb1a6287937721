package application

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeExpiry extracts the exp claim from an access credential without
// verifying its signature. ok is false for anything that is not a JWT with an
// exp claim; callers treat that as "not expiring".
func DecodeExpiry(accessToken string) (exp time.Time, ok bool) {
	if accessToken == "" {
		return time.Time{}, false
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}

	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// isExpiring reports whether token expires within buffer of now. Undecodable
// tokens are never expiring.
func isExpiring(token string, now time.Time, buffer time.Duration) bool {
	exp, ok := DecodeExpiry(token)
	if !ok {
		return false
	}
	return exp.Sub(now) < buffer
}

// fingerprint renders a credential for logs without revealing it.
func fingerprint(token string) string {
	if token == "" {
		return "<none>"
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
