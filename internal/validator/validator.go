// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// Check names.
const (
	CheckManifest    = "manifest"
	CheckIntegrity   = "integrity"
	CheckSignature   = "signature"
	CheckContext     = "context"
	CheckEnvironment = "environment"
)

// Status is the outcome of one check.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Assurance summarizes how much the decision can be trusted.
type Assurance string

const (
	// AssuranceFull means every cryptographic check passed and no client
	// heuristics were consulted.
	AssuranceFull Assurance = "full"
	// AssurancePartial means the decision also relied on client heuristics.
	AssurancePartial Assurance = "partial"
	// AssuranceNone means a cryptographic check failed.
	AssuranceNone Assurance = "none"
)

// Request is one validation request.
type Request struct {
	ModuleID string
	Artifact []byte
	// Context is nil for anonymous callers.
	Context *session.Context
	// Environment is nil when the client sent no report.
	Environment *EnvironmentReport
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Result is the full validation report.
type Result struct {
	ModuleID   string        `json:"module_id"`
	Level      string        `json:"level,omitempty"`
	Allowed    bool          `json:"allowed"`
	Assurance  Assurance     `json:"assurance"`
	RiskScore  int           `json:"risk_score"`
	Indicators []string      `json:"indicators,omitempty"`
	Checks     []CheckResult `json:"checks"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Check returns the named check result.
func (r *Result) Check(name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// Failed lists the names of failed checks.
func (r *Result) Failed() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Status == StatusFail {
			out = append(out, c.Name)
		}
	}
	return out
}

// Policy holds the validation thresholds.
type Policy struct {
	RequireSignatureFrom classification.Level
	ConfidentialMaxRisk  int
	TopSecretMaxRisk     int
	TimingSkewMillis     int
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		RequireSignatureFrom: classification.Restricted,
		ConfidentialMaxRisk:  40,
		TopSecretMaxRisk:     20,
		TimingSkewMillis:     DefaultTimingSkewMS,
	}
}

// PolicyFromConfig converts the validator config section.
func PolicyFromConfig(cfg config.ValidatorConfig) (Policy, error) {
	p := DefaultPolicy()
	if cfg.RequireSignatureFrom != "" {
		lvl, err := classification.Parse(cfg.RequireSignatureFrom)
		if err != nil {
			return p, fmt.Errorf("validator.require_signature_from: %w", err)
		}
		p.RequireSignatureFrom = lvl
	}
	if cfg.ConfidentialMaxRisk > 0 {
		p.ConfidentialMaxRisk = cfg.ConfidentialMaxRisk
	}
	if cfg.TopSecretMaxRisk > 0 {
		p.TopSecretMaxRisk = cfg.TopSecretMaxRisk
	}
	if cfg.TimingSkewMillis > 0 {
		p.TimingSkewMillis = cfg.TimingSkewMillis
	}
	return p, nil
}

// maxRisk returns the failing threshold for level, or 0 when the level
// never fails on environment risk.
func (p Policy) maxRisk(level classification.Level) int {
	switch level {
	case classification.Confidential:
		return p.ConfidentialMaxRisk
	case classification.TopSecret:
		return p.TopSecretMaxRisk
	default:
		return 0
	}
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// Validator checks artifacts against a verified manifest. It is read-only
// after construction and safe for concurrent use.
type Validator struct {
	manifest *manifest.Manifest
	keys     *signing.KeySet
	policy   Policy
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a validator. m must already be verified against its seal;
// keys needs only public halves.
func New(m *manifest.Manifest, keys *signing.KeySet, policy Policy, opts ...Option) *Validator {
	v := &Validator{
		manifest: m,
		keys:     keys,
		policy:   policy,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Manifest returns the manifest the validator checks against.
func (v *Validator) Manifest() *manifest.Manifest {
	return v.manifest
}

// Validate runs every check and returns the combined result. The only
// error is context cancellation.
func (v *Validator) Validate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{ModuleID: req.ModuleID, CheckedAt: v.now().UTC()}
	entry, found := v.manifest.Get(req.ModuleID)

	if !found {
		res.add(CheckManifest, StatusFail, "module not in manifest")
		res.add(CheckIntegrity, StatusSkip, "no manifest entry")
		res.add(CheckSignature, StatusSkip, "no manifest entry")
		res.add(CheckContext, StatusSkip, "no manifest entry")
		res.add(CheckEnvironment, StatusSkip, "no manifest entry")
		v.finish(res, false)
		return res, nil
	}

	res.Level = entry.Level.String()
	res.add(CheckManifest, StatusPass, "")
	res.add(v.checkIntegrity(entry, req.Artifact))
	res.add(v.checkSignature(entry))
	res.add(v.checkContext(entry.Level, req.Context))
	status, detail, consulted := v.checkEnvironment(entry.Level, req.Environment, res)
	res.add(CheckEnvironment, status, detail)

	v.finish(res, consulted)
	return res, nil
}

func (r *Result) add(name string, status Status, detail string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Status: status, Detail: detail})
}

func (v *Validator) finish(res *Result, consulted bool) {
	cryptoFailed := false
	res.Allowed = true
	for _, c := range res.Checks {
		if c.Status != StatusFail {
			continue
		}
		res.Allowed = false
		switch c.Name {
		case CheckManifest, CheckIntegrity, CheckSignature:
			cryptoFailed = true
		}
	}

	switch {
	case cryptoFailed:
		res.Assurance = AssuranceNone
	case consulted:
		res.Assurance = AssurancePartial
	default:
		res.Assurance = AssuranceFull
	}

	v.metrics.observe(res)
	if !res.Allowed {
		v.logger.Info("Validation denied",
			zap.String("module_id", res.ModuleID),
			zap.Strings("failed", res.Failed()),
			zap.String("assurance", string(res.Assurance)),
			zap.Int("risk_score", res.RiskScore))
	}
}

func (v *Validator) checkIntegrity(e manifest.Entry, artifact []byte) (string, Status, string) {
	if artifact == nil {
		return CheckIntegrity, StatusFail, "no artifact supplied"
	}
	got := hashgen.SumArtifact(artifact)
	if subtle.ConstantTimeCompare([]byte(got), []byte(e.Integrity)) != 1 {
		return CheckIntegrity, StatusFail, "artifact digest does not match manifest"
	}
	return CheckIntegrity, StatusPass, ""
}

func (v *Validator) checkSignature(e manifest.Entry) (string, Status, string) {
	required := e.Level.Dominates(v.policy.RequireSignatureFrom)
	if e.Signature == "" {
		if required {
			return CheckSignature, StatusFail, "signature required for " + e.Level.String()
		}
		return CheckSignature, StatusSkip, "unsigned"
	}
	if v.keys == nil {
		if required {
			return CheckSignature, StatusFail, "no verification keys loaded"
		}
		return CheckSignature, StatusSkip, "no verification keys loaded"
	}
	// A signature that is present must verify, whatever the level.
	if err := v.keys.VerifyEntry(e.SigningEntry(), e.Signature, e.KeyID); err != nil {
		return CheckSignature, StatusFail, err.Error()
	}
	return CheckSignature, StatusPass, ""
}

func (v *Validator) checkContext(level classification.Level, sc *session.Context) (string, Status, string) {
	if sc == nil {
		if level == classification.Public {
			return CheckContext, StatusPass, "anonymous access to PUBLIC"
		}
		return CheckContext, StatusFail, "session required for " + level.String()
	}
	if sc.Expired(v.now()) {
		return CheckContext, StatusFail, "session expired"
	}
	if err := sc.Require(level); err != nil {
		return CheckContext, StatusFail, err.Error()
	}
	return CheckContext, StatusPass, ""
}

// checkEnvironment scores the report. consulted is true when the heuristics
// influenced the decision.
func (v *Validator) checkEnvironment(level classification.Level, env *EnvironmentReport, res *Result) (Status, string, bool) {
	if env == nil {
		return StatusSkip, "no environment report", false
	}
	score, hits := env.Score(v.policy.TimingSkewMillis)
	res.RiskScore = score
	res.Indicators = hits

	if level == classification.Public {
		return StatusSkip, "ignored for PUBLIC", false
	}
	detail := fmt.Sprintf("risk %d", score)
	if len(hits) > 0 {
		detail += " (" + strings.Join(hits, ", ") + ")"
	}

	if limit := v.policy.maxRisk(level); limit > 0 && score >= limit {
		return StatusFail, detail, true
	}
	if score > 0 {
		return StatusWarn, detail, true
	}
	return StatusPass, detail, true
}
