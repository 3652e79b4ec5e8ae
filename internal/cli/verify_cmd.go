// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// verify_cmd.go - Validate one artifact the way the edge server does.
//
// Command: verify <module-id> <artifact>
//
// Flags:
//   --manifest FILE     Sealed manifest (default: out_dir/manifest_name)
//   --token TOKEN       Session token; TERMLIMITS_TOKEN when unset
//   --env FILE          Client environment report (JSON)
//
// Exit code 6 when the artifact is denied.

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/server"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/validator"
)

// TokenEnvVar supplies the session token when --token is not given.
const TokenEnvVar = "TERMLIMITS_TOKEN"

// HandleVerify handles "verify <module-id> <artifact>".
func HandleVerify(ctx context.Context, args Args) error {
	p := args.Parser()
	moduleID, artifactPath := p.Positional(0), p.Positional(1)
	if moduleID == "" || artifactPath == "" {
		return ErrMissingArgument("module-id and artifact", "termlimits verify <module-id> <artifact> [--token T] [--env report.json]")
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	ks, err := e.signingKeys()
	if err != nil {
		return err
	}
	path := p.FlagOrDefault("manifest", e.cfg.ManifestPath())
	if _, err := os.Stat(path); err != nil {
		return NewNotFoundError("manifest", path)
	}
	sm, err := server.OpenManifest(path, ks, e.audit)
	if err != nil {
		return err
	}

	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		return NewNotFoundError("artifact", artifactPath)
	}
	sc, err := verifyContext(e, p.Flag("token"))
	if err != nil {
		return err
	}
	report, err := readEnvironmentReport(p.Flag("env"))
	if err != nil {
		return err
	}

	policy, err := validator.PolicyFromConfig(e.cfg.Validator)
	if err != nil {
		return err
	}
	v := validator.New(sm.Manifest, ks, policy, validator.WithLogger(e.logger))
	res, err := v.Validate(ctx, validator.Request{
		ModuleID:    moduleID,
		Artifact:    artifact,
		Context:     sc,
		Environment: report,
	})
	if err != nil {
		return err
	}

	if !res.Allowed {
		e.logger.Warn("Validation denied",
			zap.String("module_id", res.ModuleID),
			zap.Strings("failed", res.Failed()),
			zap.Int("risk_score", res.RiskScore))
		ev := audit.Event{
			EventType: audit.EventValidationFail,
			ModuleID:  moduleID,
			Detail:    "failed checks: " + strings.Join(res.Failed(), ","),
			Metadata: map[string]string{
				"risk_score": strconv.Itoa(res.RiskScore),
				"assurance":  string(res.Assurance),
			},
		}
		if sc != nil {
			ev.SessionID = sc.SessionID
		}
		e.record(ev)
	}

	if args.JSON {
		if err := emit("verify", res); err != nil {
			return err
		}
	} else {
		printValidation(res)
	}
	if !res.Allowed {
		return reported(fmt.Errorf("%w: %s", ErrValidationFailed, moduleID))
	}
	return nil
}

// verifyContext verifies the session token, if any. No token means an
// anonymous caller.
func verifyContext(e *env, token string) (*session.Context, error) {
	if token == "" {
		token = os.Getenv(TokenEnvVar)
	}
	if token == "" {
		return nil, nil
	}
	verifier, err := session.NewVerifierFromConfig(e.cfg.Session)
	if err != nil {
		return nil, err
	}
	sc, err := verifier.Verify(session.StripBearer(token))
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Session verified", sc.Fields()...)
	return sc, nil
}

// readEnvironmentReport reads a client environment report. An empty path
// means no report was sent.
func readEnvironmentReport(path string) (*validator.EnvironmentReport, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NewNotFoundError("environment report", path)
		}
		return nil, err
	}
	var r validator.EnvironmentReport
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, NewValidationError("env", path, "not a valid environment report: "+err.Error())
	}
	return &r, nil
}

func printValidation(res *validator.Result) {
	status := "allowed"
	if !res.Allowed {
		status = "denied"
	}
	printField("Module", res.ModuleID)
	if res.Level != "" {
		printField("Level", res.Level)
	}
	printField("Decision", RenderStatus(status)+" "+status)
	printField("Assurance", string(res.Assurance))
	printField("Risk score", strconv.Itoa(res.RiskScore))
	if len(res.Indicators) > 0 {
		printField("Indicators", strings.Join(res.Indicators, ", "))
	}
	fmt.Fprintln(stdout)
	for _, c := range res.Checks {
		line := fmt.Sprintf("  %s %s", RenderStatus(string(c.Status)), c.Name)
		if c.Detail != "" {
			line += DimStyle.Render(" (" + c.Detail + ")")
		}
		fmt.Fprintln(stdout, line)
	}
}
