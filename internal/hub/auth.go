package hub

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pebble-core/pkg/apperr"
)

// Verifier validates the signed session tokens clients present on the
// websocket. Tokens are HMAC-signed JWTs carrying the user id as subject.
type Verifier struct {
	key []byte
}

// NewVerifier creates a verifier for the given signing key.
func NewVerifier(key string) *Verifier {
	return &Verifier{key: []byte(key)}
}

// Verify checks the token signature and expiry and returns the user id.
func (v *Verifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", apperr.Wrap(err, apperr.Validation, apperr.CodeInvalidToken, "token rejected")
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperr.New(apperr.Validation, apperr.CodeInvalidToken, "token has no subject")
	}
	return sub, nil
}

// Issue mints a session token for a user; used by the transport layer after
// its own authentication, and by tests.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(v.key)
}
