package ratelimit

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserFromRequest extracts a stable user identity from a bearer token so
// the per-user tier can key on accounts instead of addresses. Returns ""
// when no usable identity is present; the request then only passes the
// address-keyed tiers.
//
// With a secret the signature is verified and forged tokens yield "".
// Without one the claims are read unverified, which is acceptable here:
// the tier only partitions budgets, it grants nothing.
func UserFromRequest(r *http.Request, secret string) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	if secret != "" {
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return ""
		}
	} else {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
			return ""
		}
	}

	for _, key := range []string{"username", "sub", "email", "user_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
