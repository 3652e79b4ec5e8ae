// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Environment names carried in the env claim.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var (
	// ErrTokenInvalid indicates a malformed, unsigned, or mis-addressed token.
	ErrTokenInvalid = errors.New("session token invalid")
	// ErrTokenExpired indicates the token is past its expiry (or not yet valid).
	ErrTokenExpired = errors.New("session token expired")
	// ErrClearance indicates the session may not access the requested level.
	ErrClearance = errors.New("insufficient clearance")
	// ErrNotConfigured indicates neither a shared secret nor a public key was set.
	ErrNotConfigured = errors.New("session verification not configured")
)

// ValidEnvironment reports whether env is a known environment name.
func ValidEnvironment(env string) bool {
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Context is a verified execution context.
type Context struct {
	SessionID   string
	Subject     string
	Permissions []string
	Clearance   classification.Level
	// Token is the raw bearer token. Never log it; use Fields.
	Token       string
	Environment string
	ExpiresAt   time.Time
}

// Can reports whether the context may access modules at level.
// A nil context can only access PUBLIC modules.
func (c *Context) Can(level classification.Level) bool {
	if c == nil {
		return level == classification.Public
	}
	return c.Clearance.Dominates(level)
}

// HasPermission reports whether p was granted.
func (c *Context) HasPermission(p string) bool {
	if c == nil {
		return false
	}
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Expired reports whether the context has expired at now.
func (c *Context) Expired(now time.Time) bool {
	return c == nil || (!c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt))
}

// Require returns ErrClearance when the context cannot access level.
func (c *Context) Require(level classification.Level) error {
	if c.Can(level) {
		return nil
	}
	have := "none"
	if c != nil {
		have = c.Clearance.String()
	}
	return fmt.Errorf("%w: %s required, session holds %s", ErrClearance, level, have)
}

// Binding converts the context into unwrap credentials for a manifest entry.
func (c *Context) Binding(moduleID, buildID string) protect.Binding {
	b := protect.Binding{ModuleID: moduleID, BuildID: buildID}
	if c != nil {
		b.Permissions = c.Permissions
		b.Clearance = c.Clearance
	}
	return b
}

// Fields returns log fields for the context. The token is omitted.
func (c *Context) Fields() []zap.Field {
	if c == nil {
		return []zap.Field{zap.String("session_id", "")}
	}
	return []zap.Field{
		zap.String("session_id", c.SessionID),
		zap.String("subject", c.Subject),
		zap.Stringer("clearance", c.Clearance),
		zap.String("env", c.Environment),
	}
}

// String is safe to log.
func (c *Context) String() string {
	if c == nil {
		return "session(none)"
	}
	return fmt.Sprintf("session(%s sub=%s clearance=%s perms=%s)",
		c.SessionID, c.Subject, c.Clearance, strings.Join(c.Permissions, ","))
}
