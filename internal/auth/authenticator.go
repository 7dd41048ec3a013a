// Package auth verifies bearer tokens at the HTTP boundary. The builder does
// not issue user tokens; it only checks those minted by the identity provider
// or, as a fallback, HMAC tokens signed with the shared secret.
package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrMalformed     = errors.New("invalid authorization header format")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrNotConfigured = errors.New("authentication not configured")
)

// Identity is the verified caller
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator tries the JWKS verifier first, then the legacy secret
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

// NewAuthenticator accepts a nil verifier or an empty secret, not both
func NewAuthenticator(verifier TokenVerifier, secret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: secret}
}

// Configured reports whether any verification method is available
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.secret != ""
}

// Authenticate verifies an Authorization header value
func (a *Authenticator) Authenticate(header string) (*Identity, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return nil, ErrMalformed
	}
	return a.Verify(token)
}

// Verify checks a raw token
func (a *Authenticator) Verify(token string) (*Identity, error) {
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(token)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if a.secret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(token, a.secret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
