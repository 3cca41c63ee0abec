// Package auth verifies the bearer tokens that gate every relay entry point.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeAccess is the only token type accepted for terminal access.
const TokenTypeAccess = "access"

// Verification failures. The messages are returned to clients verbatim.
var (
	ErrNoToken         = errors.New("No token provided")
	ErrTokenExpired    = errors.New("Token expired")
	ErrInvalidToken    = errors.New("Invalid token")
	ErrNotAccessToken  = errors.New("Access token required (got refresh token)")
	ErrNoCredentialSet = errors.New("auth: neither a signing secret nor a static token is configured")
)

// Claims represents the JWT claims issued by the backend.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// Principal identifies an authenticated caller.
type Principal struct {
	Subject string
	// Static is true when the caller used the configured static token.
	Static bool
}

// String returns a label suitable for logs and event records.
func (p Principal) String() string {
	if p.Static {
		return "api-token"
	}
	if p.Subject == "" {
		return "anonymous"
	}
	return p.Subject
}

// Verifier validates HS256 access tokens signed with a shared secret, or a
// static API token.
type Verifier struct {
	secret      []byte
	staticToken []byte
	parser      *jwt.Parser
}

// NewVerifier creates a verifier. Either secret or staticToken may be empty,
// but not both.
func NewVerifier(secret, staticToken string) (*Verifier, error) {
	if secret == "" && staticToken == "" {
		return nil, ErrNoCredentialSet
	}
	v := &Verifier{
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if staticToken != "" {
		v.staticToken = []byte(staticToken)
	}
	return v, nil
}

// Verify validates token and returns the caller it identifies.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrNoToken
	}

	if v.staticToken != nil && subtle.ConstantTimeCompare([]byte(token), v.staticToken) == 1 {
		return Principal{Static: true}, nil
	}
	if v.secret == nil {
		return Principal{}, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Type != TokenTypeAccess {
		return Principal{}, ErrNotAccessToken
	}
	return Principal{Subject: claims.Subject}, nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. It returns "" when the header is missing or malformed.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Reason maps a verification error onto a short label for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return "missing"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrNotAccessToken):
		return "wrong_type"
	default:
		return "invalid"
	}
}

// Message returns the client-facing text for a verification error.
func Message(err error) string {
	for _, known := range []error{ErrNoToken, ErrTokenExpired, ErrNotAccessToken} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrInvalidToken.Error()
}
