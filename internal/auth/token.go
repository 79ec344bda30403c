package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("auth: token required")
	ErrMalformedToken = errors.New("auth: malformed token")
	ErrExpiredToken   = errors.New("auth: token expired")
)

// Claims carries the subset of session token claims the console inspects.
// Tokens are minted and signature-checked by the upstream identity service;
// the console only reads them for the account subject and a cheap local
// expiry check ahead of remote validation.
type Claims struct {
	Subject  string
	Expiry   time.Time
	IssuedAt time.Time
}

// Inspector decodes session tokens without verifying their signature.
type Inspector struct {
	clock func() time.Time
}

// NewInspector constructs an Inspector. A nil clock defaults to time.Now.
func NewInspector(clock func() time.Time) *Inspector {
	if clock == nil {
		clock = time.Now
	}
	return &Inspector{clock: clock}
}

// Inspect parses the token payload and returns its claims.
func (i *Inspector) Inspect(rawToken string) (Claims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return Claims{}, ErrMissingToken
	}

	registered := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(rawToken, registered); err != nil {
		return Claims{}, ErrMalformedToken
	}

	claims := Claims{Subject: registered.Subject}
	if registered.ExpiresAt != nil {
		claims.Expiry = registered.ExpiresAt.Time
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time
	}
	return claims, nil
}

// CheckFresh reports whether the token is well formed and not yet past its
// expiry claim. A token without an expiry claim is treated as fresh; the
// remote validation endpoint remains the source of truth.
func (i *Inspector) CheckFresh(rawToken string) error {
	claims, err := i.Inspect(rawToken)
	if err != nil {
		return err
	}
	if !claims.Expiry.IsZero() && i.clock().After(claims.Expiry) {
		return ErrExpiredToken
	}
	return nil
}
