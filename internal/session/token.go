// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// MinSecretLength is the shortest accepted HS256 secret.
const MinSecretLength = 32

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	SessionID   string   `json:"sid"`
	Permissions []string `json:"perms,omitempty"`
	Clearance   string   `json:"clearance"`
	Environment string   `json:"env,omitempty"`
}

// =============================================================================
// VERIFIER
// =============================================================================

// VerifierConfig configures token verification. PublicKey takes precedence
// over Secret.
type VerifierConfig struct {
	Issuer    string
	Audience  string
	Secret    []byte
	PublicKey ed25519.PublicKey
	Leeway    time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Verifier checks bearer tokens. It is safe for concurrent use.
type Verifier struct {
	parser *jwt.Parser
	key    any
	method string
}

// NewVerifier creates a verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{}
	switch {
	case len(cfg.PublicKey) > 0:
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("session public key: want %d bytes, got %d", ed25519.PublicKeySize, len(cfg.PublicKey))
		}
		v.key = cfg.PublicKey
		v.method = jwt.SigningMethodEdDSA.Alg()
	case len(cfg.Secret) > 0:
		if len(cfg.Secret) < MinSecretLength {
			return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
		}
		v.key = cfg.Secret
		v.method = jwt.SigningMethodHS256.Alg()
	default:
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

// NewVerifierFromConfig builds a verifier from the session config section.
func NewVerifierFromConfig(cfg config.SessionConfig) (*Verifier, error) {
	vc := VerifierConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Secret:   []byte(cfg.Secret),
		Leeway:   time.Duration(cfg.LeewaySecs) * time.Second,
	}
	if cfg.PublicKeyPath != "" {
		pub, err := signing.LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load session public key: %w", err)
		}
		vc.PublicKey = pub
	}
	return NewVerifier(vc)
}

// Method returns the accepted JWT algorithm.
func (v *Verifier) Method() string {
	return v.method
}

// Verify parses and validates a raw token. A "Bearer " prefix is accepted.
func (v *Verifier) Verify(raw string) (*Context, error) {
	raw = StripBearer(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenNotValidYet) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sid claim", ErrTokenInvalid)
	}
	clearance, err := classification.Parse(claims.Clearance)
	if err != nil {
		return nil, fmt.Errorf("%w: clearance claim: %v", ErrTokenInvalid, err)
	}
	if claims.Environment != "" && !ValidEnvironment(claims.Environment) {
		return nil, fmt.Errorf("%w: unknown env %q", ErrTokenInvalid, claims.Environment)
	}

	sc := &Context{
		SessionID:   claims.SessionID,
		Subject:     claims.Subject,
		Permissions: claims.Permissions,
		Clearance:   clearance,
		Token:       raw,
		Environment: claims.Environment,
	}
	if claims.ExpiresAt != nil {
		sc.ExpiresAt = claims.ExpiresAt.Time
	}
	return sc, nil
}

// VerifyFor verifies the token and requires clearance for level.
func (v *Verifier) VerifyFor(raw string, level classification.Level) (*Context, error) {
	sc, err := v.Verify(raw)
	if err != nil {
		return nil, err
	}
	if err := sc.Require(level); err != nil {
		return nil, err
	}
	return sc, nil
}

// StripBearer removes an optional "Bearer " prefix from an Authorization value.
func StripBearer(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return h
}

// =============================================================================
// ISSUER
// =============================================================================

// IssuerConfig configures local token minting. PrivateKey takes precedence
// over Secret.
type IssuerConfig struct {
	Issuer     string
	Audience   string
	Secret     []byte
	PrivateKey ed25519.PrivateKey
	TTL        time.Duration
	Now        func() time.Time
}

// Grant describes the context a minted token carries.
type Grant struct {
	Subject     string
	SessionID   string
	Permissions []string
	Clearance   classification.Level
	Environment string
	// TTL overrides the issuer default when positive.
	TTL time.Duration
}

// Issuer mints tokens for development and tests. Production tokens come
// from the session backend.
type Issuer struct {
	cfg    IssuerConfig
	method jwt.SigningMethod
	key    any
}

// NewIssuer creates an issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	is := &Issuer{cfg: cfg}
	switch {
	case len(cfg.PrivateKey) > 0:
		is.method, is.key = jwt.SigningMethodEdDSA, cfg.PrivateKey
	case len(cfg.Secret) >= MinSecretLength:
		is.method, is.key = jwt.SigningMethodHS256, cfg.Secret
	case len(cfg.Secret) > 0:
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSecretLength)
	default:
		return nil, ErrNotConfigured
	}
	if is.cfg.TTL <= 0 {
		is.cfg.TTL = 15 * time.Minute
	}
	if is.cfg.Now == nil {
		is.cfg.Now = time.Now
	}
	return is, nil
}

// Issue signs a token for g and returns it with the equivalent Context.
func (is *Issuer) Issue(g Grant) (string, *Context, error) {
	if !g.Clearance.Valid() {
		return "", nil, fmt.Errorf("%w: %d", classification.ErrUnknownLevel, int(g.Clearance))
	}
	if g.Environment != "" && !ValidEnvironment(g.Environment) {
		return "", nil, fmt.Errorf("unknown environment %q", g.Environment)
	}
	if g.SessionID == "" {
		g.SessionID = uuid.NewString()
	}
	ttl := is.cfg.TTL
	if g.TTL > 0 {
		ttl = g.TTL
	}

	now := is.cfg.Now().Truncate(time.Second)
	exp := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    is.cfg.Issuer,
			Subject:   g.Subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		SessionID:   g.SessionID,
		Permissions: g.Permissions,
		Clearance:   g.Clearance.String(),
		Environment: g.Environment,
	}
	if is.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{is.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(is.method, claims).SignedString(is.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	return signed, &Context{
		SessionID:   g.SessionID,
		Subject:     g.Subject,
		Permissions: g.Permissions,
		Clearance:   g.Clearance,
		Token:       signed,
		Environment: g.Environment,
		ExpiresAt:   exp,
	}, nil
}
