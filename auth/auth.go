// Package auth resolves bearer credentials into entitle callers.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/xraph/entitle"
)

// Authenticator verifies a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (entitle.Caller, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (entitle.Caller, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (entitle.Caller, error) {
	return f(ctx, token)
}

// Claims are the JWT claims understood by JWTAuthenticator. The subject is
// the user id; Admin grants operator rights.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 or RS256 tokens.
type JWTAuthenticator struct {
	key     any
	methods []string
	parser  []jwt.ParserOption
}

// Option configures a JWTAuthenticator.
type Option func(*JWTAuthenticator)

// WithIssuer requires the iss claim to equal iss.
func WithIssuer(iss string) Option {
	return func(a *JWTAuthenticator) {
		if iss != "" {
			a.parser = append(a.parser, jwt.WithIssuer(iss))
		}
	}
}

// WithAudience requires aud to be among the token audiences.
func WithAudience(aud string) Option {
	return func(a *JWTAuthenticator) {
		if aud != "" {
			a.parser = append(a.parser, jwt.WithAudience(aud))
		}
	}
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(a *JWTAuthenticator) {
		a.parser = append(a.parser, jwt.WithLeeway(d))
	}
}

// WithClock sets the time source used to validate exp and nbf.
func WithClock(now func() time.Time) Option {
	return func(a *JWTAuthenticator) {
		a.parser = append(a.parser, jwt.WithTimeFunc(now))
	}
}

// NewHMAC verifies HS256 tokens signed with secret.
func NewHMAC(secret []byte, opts ...Option) *JWTAuthenticator {
	return newJWT(secret, jwt.SigningMethodHS256.Alg(), opts)
}

// NewRSA verifies RS256 tokens against pub.
func NewRSA(pub *rsa.PublicKey, opts ...Option) *JWTAuthenticator {
	return newJWT(pub, jwt.SigningMethodRS256.Alg(), opts)
}

// NewRSAFromPEM verifies RS256 tokens against a PEM encoded public key.
func NewRSAFromPEM(pemBytes []byte, opts ...Option) (*JWTAuthenticator, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return NewRSA(pub, opts...), nil
}

func newJWT(key any, method string, opts []Option) *JWTAuthenticator {
	a := &JWTAuthenticator{key: key, methods: []string{method}}
	for _, opt := range opts {
		opt(a)
	}
	a.parser = append(a.parser, jwt.WithValidMethods(a.methods), jwt.WithExpirationRequired())
	return a
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (entitle.Caller, error) {
	if token == "" {
		return entitle.Caller{}, entitle.ErrNotAuthenticated
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	}, a.parser...)
	if err != nil {
		return entitle.Caller{}, fmt.Errorf("%w: %w", entitle.ErrNotAuthenticated, err)
	}
	if claims.Subject == "" {
		return entitle.Caller{}, fmt.Errorf("%w: token has no subject", entitle.ErrNotAuthenticated)
	}
	return entitle.Caller{UID: claims.Subject, IsAdmin: claims.Admin}, nil
}

// SignHMAC mints an HS256 token carrying c, verifiable by NewHMAC(secret).
func SignHMAC(secret []byte, c Claims) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("auth: empty signing secret")
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tok, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("auth: missing bearer token")
	}
	return strings.TrimSpace(token), nil
}
