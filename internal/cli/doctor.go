// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - Setup health checks.
//
// Command: doctor
// Short:   Check config, keys, audit log and cache before a build
//
// Health Checks Performed:
//   1. Config Valid       - Config loads and validates
//   2. Source Root        - build.source_root exists
//   3. Declarations       - Declaration file parses against its schema
//   4. Signing Keys       - Private signing keys are present
//   5. Key Ring           - Ring initialized, current epoch not overdue
//   6. Audit Key          - HMAC key loads and the chain verifies
//   7. Build Cache        - build.cache_path opens
//   8. Session            - Token verification configured (optional)
//
// Exit Codes:
//   0   No check failed (warnings allowed)
//   1   One or more checks failed

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/cache"
	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	// CheckPass indicates the check passed successfully.
	CheckPass CheckStatus = iota
	// CheckWarn indicates the check passed with warnings.
	CheckWarn
	// CheckFail indicates the check failed.
	CheckFail
)

// String returns the lower-case status name used in JSON output.
func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`

	status CheckStatus
}

func (c *HealthCheck) set(status CheckStatus, msg string) *HealthCheck {
	c.status, c.Status, c.Message = status, status.String(), msg
	return c
}

// Render returns a formatted string representation of the health check.
func (c *HealthCheck) Render() string {
	result := fmt.Sprintf("%s %s", RenderStatus(c.Status), c.Message)
	if c.status != CheckPass && c.Fix != "" {
		result += "\n" + DimStyle.Render("     -> "+c.Fix)
	}
	return result
}

// DoctorData is the JSON data of the doctor command.
type DoctorData struct {
	Checks  []*HealthCheck `json:"checks"`
	Passed  int            `json:"passed"`
	Warned  int            `json:"warned"`
	Failed  int            `json:"failed"`
	Healthy bool           `json:"healthy"`
}

// =============================================================================
// DOCTOR COMMAND HANDLER
// =============================================================================

// HandleDoctor handles "doctor". Unlike other commands it does not stop at
// the first broken piece of setup.
func HandleDoctor(ctx context.Context, args Args) error {
	cfg, err := loadConfig(args.ConfigPath)
	cfgCheck := &HealthCheck{Name: "config"}
	if err != nil {
		cfgCheck.set(CheckFail, "Config invalid: "+err.Error())
		cfgCheck.Fix = "termlimits config show"
		return reportDoctor(args, []*HealthCheck{cfgCheck})
	}
	source := config.FindConfigFile()
	if args.ConfigPath != "" {
		source = args.ConfigPath
	}
	if source == "" {
		source = "defaults"
	}
	cfgCheck.set(CheckPass, "Config valid ("+source+")")

	checks := []*HealthCheck{
		cfgCheck,
		checkSourceRoot(cfg),
		checkDeclarations(cfg),
		checkSigningKeys(cfg),
		checkKeyRing(cfg),
		checkAudit(cfg),
		checkCache(ctx, cfg),
		checkSession(cfg),
	}
	return reportDoctor(args, checks)
}

func reportDoctor(args Args, checks []*HealthCheck) error {
	data := DoctorData{Checks: checks}
	for _, c := range checks {
		switch c.status {
		case CheckPass:
			data.Passed++
		case CheckWarn:
			data.Warned++
		case CheckFail:
			data.Failed++
		}
	}
	data.Healthy = data.Failed == 0

	var err error
	if data.Failed > 0 {
		err = reported(fmt.Errorf("%d health check(s) failed", data.Failed))
	}

	if args.JSON {
		resp := NewJSONResponse("doctor", data)
		if err != nil {
			msg := err.Error()
			resp.Success = false
			resp.Error = &msg
			resp.ExitCode = GetExitCode(err)
		}
		if perr := resp.Print(); perr != nil {
			return perr
		}
		return err
	}

	fmt.Fprintln(stdout, TitleStyle.Render("termlimits doctor"))
	fmt.Fprintln(stdout, RenderSeparator(41))
	for _, c := range checks {
		fmt.Fprintln(stdout, c.Render())
	}
	fmt.Fprintln(stdout, RenderSeparator(41))
	parts := []string{fmt.Sprintf("%d passed", data.Passed)}
	if data.Warned > 0 {
		parts = append(parts, WarningStyle.Render(fmt.Sprintf("%d warning", data.Warned)))
	}
	if data.Failed > 0 {
		parts = append(parts, ErrorStyle.Render(fmt.Sprintf("%d failed", data.Failed)))
	}
	fmt.Fprintln(stdout, strings.Join(parts, ", "))
	return err
}

// =============================================================================
// HEALTH CHECK FUNCTIONS
// =============================================================================

func checkSourceRoot(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "source_root"}
	info, err := os.Stat(cfg.Build.SourceRoot)
	switch {
	case err != nil:
		c.Fix = "termlimits config set build.source_root <dir>"
		return c.set(CheckFail, "Source root missing: "+cfg.Build.SourceRoot)
	case !info.IsDir():
		return c.set(CheckFail, "Source root is not a directory: "+cfg.Build.SourceRoot)
	}
	return c.set(CheckPass, "Source root "+cfg.Build.SourceRoot)
}

func checkDeclarations(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "declarations"}
	if cfg.Levels.DeclarationFile == "" {
		return c.set(CheckPass, "No declaration file configured")
	}
	path := cfg.Levels.DeclarationFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Build.SourceRoot, path)
	}
	decl, err := module.LoadDeclarations(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c.set(CheckWarn, "Declaration file not found: "+path)
	case err != nil:
		return c.set(CheckFail, "Declaration file invalid: "+err.Error())
	}
	return c.set(CheckPass, fmt.Sprintf("Declarations loaded (%d rules)", len(decl.Entries)))
}

func checkSigningKeys(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "signing_keys", Fix: "termlimits keys init"}
	dir := cfg.Signing.KeyDir
	if !signing.Exists(dir) {
		return c.set(CheckFail, "No signing keys in "+dir)
	}
	ks, err := signing.Load(dir)
	if err != nil {
		return c.set(CheckFail, "Signing keys unreadable: "+err.Error())
	}
	if !ks.HasPrivate() {
		return c.set(CheckWarn, "Public signing keys only (verify and serve work, build does not)")
	}
	return c.set(CheckPass, "Signing keys (manifest "+ks.Manifest.KeyID()+")")
}

func checkKeyRing(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "key_ring", Fix: "termlimits keys init"}
	ring, err := protect.OpenKeyRing(protect.NewFileKeyStore(cfg.Protection.KeyDir), protect.RingOptions{
		RotationInterval: cfg.RotationInterval(),
		RetainEpochs:     cfg.Protection.RetainEpochs,
		Passphrase:       os.Getenv(PassphraseEnvVar),
	})
	if errors.Is(err, protect.ErrWrongPassphrase) {
		c.Fix = "set " + PassphraseEnvVar
		return c.set(CheckWarn, "Key ring is passphrase protected; not unlocked")
	}
	if err != nil {
		return c.set(CheckFail, "Key ring unreadable: "+err.Error())
	}
	defer ring.Close()

	ep, err := ring.CurrentEpoch()
	if err != nil {
		return c.set(CheckWarn, "Key ring not initialized; CONFIDENTIAL and TOP_SECRET builds will fail")
	}
	age := time.Since(ep.CreatedAt)
	if age >= cfg.RotationInterval() {
		c.Fix = "termlimits keys rotate"
		return c.set(CheckWarn, fmt.Sprintf("Epoch %s is %s old; the next build rotates it", ep.KeyID(), formatDurationShort(age)))
	}
	return c.set(CheckPass, fmt.Sprintf("Key ring %s (%s mode, %d epochs)", ep.KeyID(), ring.Mode(), len(ring.Epochs())))
}

func checkAudit(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "audit"}
	if !cfg.Audit.Enabled {
		return c.set(CheckWarn, "Audit logging disabled")
	}
	path := cfg.AuditPath()
	km := audit.NewKeyManager(filepath.Dir(path))
	defer km.Close()
	key, source, err := km.LoadKey()
	if err != nil {
		c.Fix = "termlimits keys init"
		return c.set(CheckFail, "Audit key: "+err.Error())
	}
	if _, err := os.Stat(path); err != nil {
		return c.set(CheckPass, "Audit key loaded ("+string(source)+"); log not written yet")
	}
	rep, err := audit.Verify(path, key)
	if err != nil {
		return c.set(CheckFail, "Audit log unreadable: "+err.Error())
	}
	if !rep.Valid {
		c.Fix = "termlimits audit verify"
		return c.set(CheckFail, fmt.Sprintf("Audit chain broken at line %d", rep.BrokenAt))
	}
	return c.set(CheckPass, fmt.Sprintf("Audit chain intact (%d entries)", rep.Entries))
}

func checkCache(ctx context.Context, cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "cache"}
	if cfg.Build.CachePath == "" {
		return c.set(CheckPass, "Build cache disabled")
	}
	bc, err := cache.Open(cfg.Build.CachePath)
	if err != nil {
		return c.set(CheckFail, "Build cache: "+err.Error())
	}
	defer bc.Close()
	st, err := bc.Stats(ctx)
	if err != nil {
		return c.set(CheckFail, "Build cache: "+err.Error())
	}
	return c.set(CheckPass, fmt.Sprintf("Build cache %s (%d entries, %s)", cfg.Build.CachePath, st.Entries, formatBytes(st.Bytes)))
}

func checkSession(cfg *config.Config) *HealthCheck {
	c := &HealthCheck{Name: "session"}
	v, err := session.NewVerifierFromConfig(cfg.Session)
	if errors.Is(err, session.ErrNotConfigured) {
		c.Fix = "set TERMLIMITS_SESSION_SECRET"
		return c.set(CheckWarn, "Session verification not configured; only PUBLIC modules unwrap")
	}
	if err != nil {
		return c.set(CheckFail, "Session config: "+err.Error())
	}
	return c.set(CheckPass, "Session tokens verified with "+v.Method())
}
