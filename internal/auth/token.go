// Package auth verifies the marketplace-issued access tokens presented
// during the websocket handshake and on REST calls. The engine never
// issues tokens; it only checks the HMAC signature and extracts the
// user identity and role.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tutorlink/pkg/types"
)

var (
	ErrMissingToken = errors.New("missing access token")
	ErrInvalidToken = errors.New("invalid access token")
)

// Claims is the subset of the marketplace token the engine cares about.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens with a shared HMAC secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if !types.IsValidUserID(claims.UserID) || !types.IsValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// FromRequest extracts the token from the Authorization header or,
// for websocket handshakes where browsers cannot set headers, the
// "token" query parameter.
func (v *Verifier) FromRequest(r *http.Request) (*Claims, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return v.Verify(strings.TrimPrefix(h, "Bearer "))
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return v.Verify(q)
	}
	return nil, ErrMissingToken
}

// Issue signs a token for the given identity. Production tokens come
// from the auth service; this exists for tests and local tooling.
func (v *Verifier) Issue(userID, role, name string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: userID,
		Role:   role,
		Name:   name,
	})
	return token.SignedString(v.secret)
}
