// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// token_cmd.go - Mint development session tokens signed with session.secret.

package cli

import (
	"fmt"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
)

// TokenData is the JSON data of token issue.
type TokenData struct {
	Token       string    `json:"token"`
	SessionID   string    `json:"session_id"`
	Subject     string    `json:"subject"`
	Clearance   string    `json:"clearance"`
	Permissions []string  `json:"permissions,omitempty"`
	Environment string    `json:"environment,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// HandleToken handles "token issue".
func HandleToken(args Args) error {
	p := args.Parser()
	if sub := p.Subcommand(); sub != "issue" {
		return ErrUnknownSubcommand("token", sub, []string{"issue"})
	}

	clearance, err := classification.Parse(p.FlagOrDefault("clearance", classification.Public.String()))
	if err != nil {
		return NewValidationErrorWithExample("clearance", p.Flag("clearance"), err.Error(), "--clearance CONFIDENTIAL")
	}
	environment := p.FlagOrDefault("env", session.EnvDevelopment)
	if !session.ValidEnvironment(environment) {
		return NewValidationErrorWithExample("env", environment, "unknown environment", "--env staging")
	}
	ttl, err := p.FlagDuration("ttl", 0)
	if err != nil {
		return err
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	issuer, err := session.NewIssuer(session.IssuerConfig{
		Issuer:   e.cfg.Session.Issuer,
		Audience: e.cfg.Session.Audience,
		Secret:   []byte(e.cfg.Session.Secret),
		TTL:      time.Duration(e.cfg.Session.TokenTTLMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("set session.secret or TERMLIMITS_SESSION_SECRET: %w", err)
	}

	token, sc, err := issuer.Issue(session.Grant{
		Subject:     p.FlagOrDefault("subject", "dev"),
		SessionID:   p.Flag("session-id"),
		Permissions: p.FlagList("perm"),
		Clearance:   clearance,
		Environment: environment,
		TTL:         ttl,
	})
	if err != nil {
		return err
	}

	data := TokenData{
		Token:       token,
		SessionID:   sc.SessionID,
		Subject:     sc.Subject,
		Clearance:   sc.Clearance.String(),
		Permissions: sc.Permissions,
		Environment: sc.Environment,
		ExpiresAt:   sc.ExpiresAt,
	}
	if args.JSON {
		return emit("token issue", data)
	}
	if IsStdoutTTY() {
		printField("Session", data.SessionID)
		printField("Clearance", RenderLevel(sc.Clearance))
		printField("Expires", data.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(stdout, token)
	return nil
}
