// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

type fixture struct {
	v         *Validator
	keys      *signing.KeySet
	artifacts map[string][]byte
	reg       *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := signing.Generate()
	require.NoError(t, err)

	f := &fixture{keys: keys, artifacts: map[string][]byte{}, reg: prometheus.NewRegistry()}
	m := manifest.New("build-1", "termlimits-v1")
	for id, lvl := range map[string]classification.Level{
		"main.js":         classification.Public,
		"util.js":         classification.Restricted,
		"admin/panel.js":  classification.Confidential,
		"vault/secret.js": classification.TopSecret,
	} {
		art := []byte("artifact of " + id)
		f.artifacts[id] = art
		e := manifest.Entry{
			ID:          id,
			Level:       lvl,
			ContentHash: "hash-" + id,
			Integrity:   hashgen.SumArtifact(art),
		}
		if lvl != classification.Public {
			e.Signature, e.KeyID, err = keys.SignEntry(e.SigningEntry())
			require.NoError(t, err)
		}
		m.Put(e)
	}
	f.v = New(m, keys.PublicSet(), DefaultPolicy(), WithMetrics(NewMetrics(f.reg)))
	return f
}

func ctxWith(level classification.Level) *session.Context {
	return &session.Context{SessionID: "s", Clearance: level, ExpiresAt: time.Now().Add(time.Hour)}
}

func status(t *testing.T, r *Result, name string) Status {
	t.Helper()
	c, ok := r.Check(name)
	require.True(t, ok, "missing check %s", name)
	return c.Status
}

func TestValidate_PublicAnonymousFull(t *testing.T) {
	f := newFixture(t)
	res, err := f.v.Validate(context.Background(), Request{ModuleID: "main.js", Artifact: f.artifacts["main.js"]})
	require.NoError(t, err)

	assert.True(t, res.Allowed)
	assert.Equal(t, AssuranceFull, res.Assurance)
	assert.Equal(t, StatusSkip, status(t, res, CheckSignature))
	assert.Equal(t, StatusPass, status(t, res, CheckContext))
	assert.Len(t, res.Checks, 5)
}

func TestValidate_UnknownModule(t *testing.T) {
	f := newFixture(t)
	res, err := f.v.Validate(context.Background(), Request{ModuleID: "nope.js", Artifact: []byte("x")})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, AssuranceNone, res.Assurance)
	assert.Equal(t, []string{CheckManifest}, res.Failed())
}

func TestValidate_IntegrityMismatch(t *testing.T) {
	f := newFixture(t)
	res, err := f.v.Validate(context.Background(), Request{
		ModuleID: "admin/panel.js",
		Artifact: []byte("tampered"),
		Context:  ctxWith(classification.TopSecret),
		// A clean report must not rescue a failed digest
		Environment: &EnvironmentReport{},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, AssuranceNone, res.Assurance)
	assert.Equal(t, StatusFail, status(t, res, CheckIntegrity))
	assert.Equal(t, StatusPass, status(t, res, CheckSignature))
}

func TestValidate_SignatureFromOtherLevel(t *testing.T) {
	f := newFixture(t)
	e, ok := f.v.Manifest().Get("admin/panel.js")
	require.True(t, ok)
	// Re-sign with the RESTRICTED key
	restricted := e
	restricted.Level = classification.Restricted
	e.Signature, e.KeyID, _ = f.keys.SignEntry(restricted.SigningEntry())
	f.v.Manifest().Put(e)

	res, err := f.v.Validate(context.Background(), Request{
		ModuleID: "admin/panel.js",
		Artifact: f.artifacts["admin/panel.js"],
		Context:  ctxWith(classification.Confidential),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, status(t, res, CheckSignature))
	assert.Equal(t, AssuranceNone, res.Assurance)
}

func TestValidate_ForeignSignatureBelowThreshold(t *testing.T) {
	f := newFixture(t)
	other, err := signing.Generate()
	require.NoError(t, err)
	e, ok := f.v.Manifest().Get("main.js")
	require.True(t, ok)
	e.Signature, e.KeyID, err = other.SignEntry(e.SigningEntry())
	require.NoError(t, err)
	f.v.Manifest().Put(e)

	res, err := f.v.Validate(context.Background(), Request{ModuleID: "main.js", Artifact: f.artifacts["main.js"]})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, status(t, res, CheckSignature))
	assert.False(t, res.Allowed)
	assert.Equal(t, AssuranceNone, res.Assurance)
}

func TestValidate_RequiredSignatureMissing(t *testing.T) {
	f := newFixture(t)
	e, _ := f.v.Manifest().Get("util.js")
	e.Signature, e.KeyID = "", ""
	f.v.Manifest().Put(e)

	res, err := f.v.Validate(context.Background(), Request{
		ModuleID: "util.js", Artifact: f.artifacts["util.js"], Context: ctxWith(classification.Restricted),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, status(t, res, CheckSignature))
	assert.False(t, res.Allowed)
}

func TestValidate_Clearance(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		id      string
		ctx     *session.Context
		allowed bool
	}{
		{"anonymous restricted", "util.js", nil, false},
		{"restricted on confidential", "admin/panel.js", ctxWith(classification.Restricted), false},
		{"confidential on confidential", "admin/panel.js", ctxWith(classification.Confidential), true},
		{"top secret on top secret", "vault/secret.js", ctxWith(classification.TopSecret), true},
		{"expired", "util.js", &session.Context{SessionID: "s", Clearance: classification.TopSecret, ExpiresAt: time.Now().Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.v.Validate(context.Background(), Request{ModuleID: tt.id, Artifact: f.artifacts[tt.id], Context: tt.ctx})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			if !tt.allowed {
				assert.Equal(t, StatusFail, status(t, res, CheckContext))
				// Context denial is not a cryptographic failure
				assert.Equal(t, AssuranceFull, res.Assurance)
			}
		})
	}
}

func TestValidate_EnvironmentThresholds(t *testing.T) {
	f := newFixture(t)
	devtools := &EnvironmentReport{DevToolsOpen: true}
	debugger := &EnvironmentReport{DebuggerAttached: true}

	tests := []struct {
		name    string
		id      string
		env     *EnvironmentReport
		status  Status
		allowed bool
	}{
		{"public ignores", "main.js", debugger, StatusSkip, true},
		{"restricted warns", "util.js", debugger, StatusWarn, true},
		{"confidential below", "admin/panel.js", devtools, StatusWarn, true},
		{"confidential at 40", "admin/panel.js", debugger, StatusFail, false},
		{"top secret at 20", "vault/secret.js", devtools, StatusFail, false},
		{"clean report", "vault/secret.js", &EnvironmentReport{}, StatusPass, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.v.Validate(context.Background(), Request{
				ModuleID:    tt.id,
				Artifact:    f.artifacts[tt.id],
				Context:     ctxWith(classification.TopSecret),
				Environment: tt.env,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.status, status(t, res, CheckEnvironment))
			assert.Equal(t, tt.allowed, res.Allowed)
			if tt.status == StatusSkip {
				assert.Equal(t, AssuranceFull, res.Assurance)
			} else {
				assert.Equal(t, AssurancePartial, res.Assurance)
			}
		})
	}
}

func TestEnvironmentReport_Score(t *testing.T) {
	tests := []struct {
		name string
		r    EnvironmentReport
		want int
	}{
		{"clean", EnvironmentReport{}, 0},
		{"debugger", EnvironmentReport{DebuggerAttached: true}, 40},
		{"one prototype", EnvironmentReport{TamperedPrototypes: []string{"Array.prototype.map"}}, 30},
		{"three prototypes", EnvironmentReport{TamperedPrototypes: []string{"a", "b", "c", "a"}}, 40},
		{"devtools and webdriver", EnvironmentReport{DevToolsOpen: true, WebDriver: true}, 40},
		{"skew at threshold", EnvironmentReport{TimingSkewMillis: 100}, 0},
		{"skew above", EnvironmentReport{TimingSkewMillis: 101}, 10},
		{"capped", EnvironmentReport{
			DebuggerAttached: true, DevToolsOpen: true, WebDriver: true,
			TamperedPrototypes: []string{"a", "b"}, TimingSkewMillis: 500,
		}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := tt.r.Score(100)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_Metrics(t *testing.T) {
	f := newFixture(t)
	_, err := f.v.Validate(context.Background(), Request{ModuleID: "main.js", Artifact: f.artifacts["main.js"]})
	require.NoError(t, err)
	_, err = f.v.Validate(context.Background(), Request{ModuleID: "main.js", Artifact: []byte("bad")})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.v.metrics.checks.WithLabelValues(CheckIntegrity, string(StatusPass))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.v.metrics.checks.WithLabelValues(CheckIntegrity, string(StatusFail))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.v.metrics.results.WithLabelValues(string(AssuranceNone), "false")))
}

func TestValidate_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.v.Validate(ctx, Request{ModuleID: "main.js"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyFromConfig(t *testing.T) {
	p, err := PolicyFromConfig(config.Default().Validator)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	_, err = PolicyFromConfig(config.ValidatorConfig{RequireSignatureFrom: "bogus"})
	assert.ErrorIs(t, err, classification.ErrUnknownLevel)
}
