// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/pipeline"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
	"github.com/TheMapleseed/Term-Limits/internal/validator"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memRecorder) Record(e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memRecorder) byType(t string) []audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t      *testing.T
	srv    *Server
	out    string
	keys   *signing.KeySet
	ring   *protect.KeyRing
	issuer *session.Issuer
	audit  *memRecorder
	sm     *manifest.SignedManifest
}

var sources = map[string]string{
	"main.js":        "export const hello = 'world'",
	"util.js":        "export const x = 1",
	"admin/panel.js": "export function admin() {}",
	"vault/keys.js":  "export const k = 42",
	"theme.css":      "body { color: #333 }",
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	keys, err := signing.Generate()
	require.NoError(t, err)
	ring, err := protect.OpenKeyRing(protect.NewMemoryKeyStore(), protect.RingOptions{})
	require.NoError(t, err)
	_, err = ring.Init()
	require.NoError(t, err)

	out := t.TempDir()
	p, err := pipeline.New(pipeline.Options{OutDir: out, BuildID: "edge", Keys: keys, KeyRing: ring})
	require.NoError(t, err)
	levels := map[string]classification.Level{
		"main.js":        classification.Public,
		"util.js":        classification.Restricted,
		"admin/panel.js": classification.Confidential,
		"vault/keys.js":  classification.TopSecret,
		"theme.css":      classification.Restricted,
	}
	var mods []*module.Metadata
	for id, src := range sources {
		mods = append(mods, &module.Metadata{
			ID: id, Level: levels[id], LevelSource: module.SourceDeclared, Source: []byte(src),
		})
	}
	res, err := p.Build(context.Background(), mods)
	require.NoError(t, err)

	rec := &memRecorder{}
	sm, err := OpenManifest(res.ManifestPath, keys, rec)
	require.NoError(t, err)

	verifier, err := session.NewVerifier(session.VerifierConfig{Issuer: "test", Secret: secret})
	require.NoError(t, err)
	issuer, err := session.NewIssuer(session.IssuerConfig{Issuer: "test", Secret: secret})
	require.NoError(t, err)

	opts := Options{
		OutDir:    out,
		Manifest:  sm,
		Keys:      keys.PublicSet(),
		Verifier:  verifier,
		KeyRing:   ring,
		RateLimit: 1000,
		Burst:     1000,
		Audit:     rec,
	}
	if tweak != nil {
		tweak(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	return &fixture{t: t, srv: srv, out: out, keys: keys, ring: ring, issuer: issuer, audit: rec, sm: sm}
}

func (f *fixture) token(level classification.Level, perms ...string) string {
	f.t.Helper()
	tok, _, err := f.issuer.Issue(session.Grant{Subject: "alice", Clearance: level, Permissions: perms})
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

// =============================================================================
// READ ENDPOINTS
// =============================================================================

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, HealthResponse{Status: "ok", BuildID: "edge", Modules: 5, Unwrap: true, Session: true}, h)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestManifestEndpointVerifies(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/manifest.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sm, err := manifest.Parse(rec.Body.Bytes())
	require.NoError(t, err)
	require.NoError(t, sm.Verify(f.keys.Manifest.Public))
	assert.Equal(t, []string{"admin/panel.js", "main.js", "theme.css", "util.js", "vault/keys.js"}, sm.Manifest.IDs())
}

func TestGetModule_Public(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/v1/modules/main.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entry, _ := f.sm.Manifest.Get("main.js")
	assert.Equal(t, sources["main.js"], rec.Body.String())
	assert.Equal(t, entry.Integrity, rec.Header().Get(HeaderIntegrity))
	assert.Equal(t, entry.Signature, rec.Header().Get(HeaderSignature))
	assert.Equal(t, "PUBLIC", rec.Header().Get(HeaderLevel))
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
}

func TestGetModule_RestrictedNeedsNoToken(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/v1/modules/util.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), sources["util.js"])
	assert.Equal(t, "RESTRICTED", rec.Header().Get(HeaderLevel))
}

func TestGetModule_ConfidentialRequiresClearance(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/v1/modules/admin/panel.js", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "bearer token required", errorOf(t, rec))

	rec = f.do(http.MethodGet, "/v1/modules/admin/panel.js", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/v1/modules/admin/panel.js", f.token(classification.Restricted), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodGet, "/v1/modules/admin/panel.js", f.token(classification.Confidential), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIDENTIAL", rec.Header().Get(HeaderLevel))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "function admin")
}

func TestGetModule_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/v1/modules/nope.js", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown module", errorOf(t, rec))

	rec = f.do(http.MethodGet, "/elsewhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetModule_TamperedArtifact(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.out, "main.js"), []byte("alert('pwned')"), 0644))

	rec := f.do(http.MethodGet, "/v1/modules/main.js", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "artifact integrity mismatch", errorOf(t, rec))
	events := f.audit.byType(audit.EventValidationFail)
	require.Len(t, events, 1)
	assert.Equal(t, "main.js", events[0].ModuleID)
}

// =============================================================================
// UNWRAP
// =============================================================================

func TestUnwrap_Confidential(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/modules/admin/panel.js/unwrap", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := f.token(classification.Confidential)
	rec = f.do(http.MethodPost, "/v1/modules/admin/panel.js/unwrap", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sources["admin/panel.js"], rec.Body.String())

	events := f.audit.byType(audit.EventUnwrap)
	require.Len(t, events, 2)
	assert.False(t, events[0].Success)
	assert.True(t, events[1].Success)
	assert.NotEmpty(t, events[1].SessionID)
}

func TestUnwrap_TopSecretNeedsPermission(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/modules/vault/keys.js/unwrap", f.token(classification.Confidential), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/v1/modules/vault/keys.js/unwrap", f.token(classification.TopSecret), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "clearance without the permission")

	rec = f.do(http.MethodPost, "/v1/modules/vault/keys.js/unwrap",
		f.token(classification.TopSecret, protect.DefaultPermission), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sources["vault/keys.js"], rec.Body.String())
}

func TestUnwrap_Restricted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/v1/modules/util.js/unwrap", f.token(classification.Restricted), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sources["util.js"], rec.Body.String())
}

func TestUnwrap_WithoutKeyRing(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.KeyRing = nil })
	rec := f.do(http.MethodPost, "/v1/modules/admin/panel.js/unwrap", f.token(classification.TopSecret), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnwrap_RetiredEpochIsGone(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(classification.Confidential)
	rec := f.do(http.MethodPost, "/v1/modules/admin/panel.js/unwrap", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The artifact was sealed under epoch 1; rotate it out of retention
	for range protect.DefaultRetainEpochs + 1 {
		_, err := f.ring.Rotate()
		require.NoError(t, err)
	}
	require.True(t, f.ring.Epochs()[0].Retired)

	rec = f.do(http.MethodPost, "/v1/modules/admin/panel.js/unwrap", tok, nil)
	assert.Equal(t, http.StatusGone, rec.Code, rec.Body.String())
	events := f.audit.byType(audit.EventUnwrap)
	require.Len(t, events, 2)
	assert.False(t, events[1].Success)
}

func TestUnwrap_CSSContentType(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/v1/modules/theme.css/unwrap", f.token(classification.Restricted), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, sources["theme.css"], rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/css"), rec.Header().Get("Content-Type"))

	rec = f.do(http.MethodPost, "/v1/modules/util.js/unwrap", f.token(classification.Restricted), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
}

func TestUnwrap_WithoutVerifier(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Verifier = nil })
	rec := f.do(http.MethodPost, "/v1/modules/main.js/unwrap", "anything", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnwrap_WrongMethod(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodDelete, "/healthz", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// =============================================================================
// VALIDATE
// =============================================================================

func validateBody(t *testing.T, req ValidateRequest) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestValidate_AllowsIntactArtifact(t *testing.T) {
	f := newFixture(t, nil)
	body := validateBody(t, ValidateRequest{ModuleID: "main.js", Artifact: []byte(sources["main.js"])})

	rec := f.do(http.MethodPost, "/v1/validate", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res validator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Allowed)
	assert.Equal(t, validator.AssuranceFull, res.Assurance)
	assert.Empty(t, f.audit.byType(audit.EventValidationFail))
}

func TestValidate_ReportsTamperingAndAudits(t *testing.T) {
	f := newFixture(t, nil)
	body := validateBody(t, ValidateRequest{ModuleID: "main.js", Artifact: []byte("tampered")})

	rec := f.do(http.MethodPost, "/v1/validate", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var res validator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Allowed)
	assert.Equal(t, validator.AssuranceNone, res.Assurance)

	events := f.audit.byType(audit.EventValidationFail)
	require.Len(t, events, 1)
	assert.Equal(t, "true", events[0].Metadata["failed_integrity"])
}

func TestValidate_ConfidentialUsesSession(t *testing.T) {
	f := newFixture(t, nil)
	art, err := os.ReadFile(filepath.Join(f.out, "admin", "panel.js.enc.json"))
	require.NoError(t, err)
	body := validateBody(t, ValidateRequest{
		ModuleID:    "admin/panel.js",
		Artifact:    art,
		Environment: &validator.EnvironmentReport{DevToolsOpen: true},
	})

	rec := f.do(http.MethodPost, "/v1/validate", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var anon validator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &anon))
	assert.False(t, anon.Allowed, "no session for a CONFIDENTIAL module")

	rec = f.do(http.MethodPost, "/v1/validate", f.token(classification.Confidential), body)
	require.Equal(t, http.StatusOK, rec.Code)
	var authed validator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &authed))
	assert.True(t, authed.Allowed)
	assert.Equal(t, validator.AssurancePartial, authed.Assurance)
	assert.Equal(t, validator.WeightDevTools, authed.RiskScore)
}

func TestValidate_BadRequests(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxBodyBytes = 64 })

	rec := f.do(http.MethodPost, "/v1/validate", "", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/validate", "", []byte(`{"artifact":""}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "module_id is required", errorOf(t, rec))

	big := validateBody(t, ValidateRequest{ModuleID: "main.js", Artifact: bytes.Repeat([]byte("a"), 256)})
	rec = f.do(http.MethodPost, "/v1/validate", "", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	small := validateBody(t, ValidateRequest{ModuleID: "main.js"})
	rec = f.do(http.MethodPost, "/v1/validate", "not-a-jwt", small)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a presented token must verify")
}

// =============================================================================
// RATE LIMITING AND METRICS
// =============================================================================

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.RateLimit, o.Burst = 0.001, 2 })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", nil).Code)
	}
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", errorOf(t, rec))

	// Another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	other := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	base := time.Now()
	rl.now = func() time.Time { return base }
	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Clients())

	assert.Equal(t, 0, rl.Sweep(base.Add(time.Minute)))
	assert.Equal(t, 2, rl.Sweep(base.Add(limiterIdle+time.Second)))
	assert.Equal(t, 0, rl.Clients())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/v1/modules/main.js", "", nil)
	f.do(http.MethodPost, "/v1/validate", "", validateBody(t, ValidateRequest{ModuleID: "main.js", Artifact: []byte(sources["main.js"])}))

	rec := f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `termlimits_http_requests_total{code="200",method="GET",route="/v1/modules/{id:.+}"} 1`)
	assert.Contains(t, body, "termlimits_validator_results_total")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", errorOf(t, rec))
}

// =============================================================================
// MANIFEST AND LIFECYCLE
// =============================================================================

func TestOpenManifest_RecordsTampering(t *testing.T) {
	f := newFixture(t, nil)
	path := filepath.Join(f.out, "integrity-manifest.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), `"edge"`, `"evil"`, 1)), 0644))

	rec := &memRecorder{}
	_, err = OpenManifest(path, f.keys, rec)
	require.ErrorIs(t, err, manifest.ErrTampered)
	require.Len(t, rec.byType(audit.EventManifestTampered), 1)
}

func TestSetManifestSwapsValidator(t *testing.T) {
	f := newFixture(t, nil)
	m := manifest.New("next", "")
	sealed, err := m.Seal(f.keys.ManifestSigner())
	require.NoError(t, err)
	f.srv.SetManifest(sealed)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/modules/main.js", "", nil).Code)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(f.do(http.MethodGet, "/healthz", "", nil).Body.Bytes(), &h))
	assert.Equal(t, "next", h.BuildID)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	_, err = New(Options{Manifest: f.sm, Keys: f.keys})
	assert.Error(t, err, "artifact directory required")
}

// =============================================================================
// CLIENT IP
// =============================================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted proxy ignored", "203.0.113.5:1234", "1.2.3.4", "", "203.0.113.5"},
		{"trusted proxy xff", "10.0.0.2:80", "1.2.3.4, 10.0.0.2", "", "1.2.3.4"},
		{"trusted proxy xri", "127.0.0.1:80", "", "5.6.7.8", "5.6.7.8"},
		{"invalid forwarded value", "127.0.0.1:80", "not-an-ip", "", "127.0.0.1"},
		{"no port", "192.0.2.1", "", "", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(r))
		})
	}
}
