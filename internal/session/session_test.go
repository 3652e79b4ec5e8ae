// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func hsPair(t *testing.T, now func() time.Time) (*Issuer, *Verifier) {
	t.Helper()
	is, err := NewIssuer(IssuerConfig{
		Issuer: "termlimits-session", Audience: "termlimits",
		Secret: testSecret, TTL: time.Minute, Now: now,
	})
	require.NoError(t, err)
	v, err := NewVerifier(VerifierConfig{
		Issuer: "termlimits-session", Audience: "termlimits",
		Secret: testSecret, Now: now,
	})
	require.NoError(t, err)
	return is, v
}

func TestIssueVerify_HS256(t *testing.T) {
	is, v := hsPair(t, nil)
	tok, issued, err := is.Issue(Grant{
		Subject:     "alice",
		Permissions: []string{"modules:top_secret"},
		Clearance:   classification.TopSecret,
		Environment: EnvProduction,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.SessionID)

	sc, err := v.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, issued.SessionID, sc.SessionID)
	assert.Equal(t, "alice", sc.Subject)
	assert.Equal(t, classification.TopSecret, sc.Clearance)
	assert.Equal(t, EnvProduction, sc.Environment)
	assert.True(t, sc.HasPermission("modules:top_secret"))
	assert.Equal(t, tok, sc.Token)
	assert.WithinDuration(t, issued.ExpiresAt, sc.ExpiresAt, time.Second)
	assert.Equal(t, "HS256", v.Method())
}

func TestIssueVerify_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	is, err := NewIssuer(IssuerConfig{Issuer: "backend", PrivateKey: priv})
	require.NoError(t, err)
	v, err := NewVerifier(VerifierConfig{Issuer: "backend", PublicKey: pub})
	require.NoError(t, err)

	tok, _, err := is.Issue(Grant{SessionID: "s-1", Clearance: classification.Confidential})
	require.NoError(t, err)
	sc, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "s-1", sc.SessionID)
	assert.Equal(t, "EdDSA", v.Method())

	// An HS256 verifier must not accept an EdDSA token
	hs, err := NewVerifier(VerifierConfig{Issuer: "backend", Secret: testSecret})
	require.NoError(t, err)
	_, err = hs.Verify(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_Expired(t *testing.T) {
	start := time.Now()
	clock := start
	now := func() time.Time { return clock }
	is, v := hsPair(t, now)

	tok, _, err := is.Issue(Grant{SessionID: "s", Clearance: classification.Restricted})
	require.NoError(t, err)

	clock = start.Add(2 * time.Minute)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_Leeway(t *testing.T) {
	start := time.Now()
	clock := start
	now := func() time.Time { return clock }
	is, err := NewIssuer(IssuerConfig{Secret: testSecret, TTL: time.Minute, Now: now})
	require.NoError(t, err)
	v, err := NewVerifier(VerifierConfig{Secret: testSecret, Leeway: time.Minute, Now: now})
	require.NoError(t, err)

	tok, _, err := is.Issue(Grant{SessionID: "s", Clearance: classification.Public})
	require.NoError(t, err)
	clock = start.Add(90 * time.Second)
	_, err = v.Verify(tok)
	assert.NoError(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	is, v := hsPair(t, nil)
	good, _, err := is.Issue(Grant{SessionID: "s", Clearance: classification.Public})
	require.NoError(t, err)

	other, err := NewIssuer(IssuerConfig{
		Issuer: "someone-else", Audience: "termlimits", Secret: testSecret,
	})
	require.NoError(t, err)
	wrongIss, _, err := other.Issue(Grant{SessionID: "s", Clearance: classification.Public})
	require.NoError(t, err)

	otherKey, err := NewIssuer(IssuerConfig{
		Issuer: "termlimits-session", Audience: "termlimits",
		Secret: []byte(strings.Repeat("z", 32)),
	})
	require.NoError(t, err)
	wrongKey, _, err := otherKey.Issue(Grant{SessionID: "s", Clearance: classification.Public})
	require.NoError(t, err)

	parts := strings.Split(good, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong issuer": wrongIss,
		"wrong key":    wrongKey,
		"tampered":     tampered,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestVerifyFor_Clearance(t *testing.T) {
	is, v := hsPair(t, nil)
	tok, _, err := is.Issue(Grant{SessionID: "s", Clearance: classification.Restricted})
	require.NoError(t, err)

	_, err = v.VerifyFor(tok, classification.Restricted)
	assert.NoError(t, err)
	_, err = v.VerifyFor(tok, classification.Confidential)
	assert.ErrorIs(t, err, ErrClearance)
}

func TestContext_NilAndBinding(t *testing.T) {
	var sc *Context
	assert.True(t, sc.Can(classification.Public))
	assert.False(t, sc.Can(classification.Restricted))
	assert.False(t, sc.HasPermission("x"))
	assert.ErrorIs(t, sc.Require(classification.Restricted), ErrClearance)
	assert.True(t, sc.Expired(time.Now()))
	assert.Equal(t, "session(none)", sc.String())

	sc = &Context{SessionID: "s", Token: "secret-token", Clearance: classification.Confidential, Permissions: []string{"p"}}
	b := sc.Binding("admin.js", "build-1")
	assert.Equal(t, "admin.js", b.ModuleID)
	assert.Equal(t, "build-1", b.BuildID)
	assert.Equal(t, classification.Confidential, b.Clearance)
	assert.True(t, b.HasPermission("p"))
	assert.NotContains(t, sc.String(), "secret-token")
	for _, f := range sc.Fields() {
		assert.NotEqual(t, "secret-token", f.String)
	}
}

func TestConstructorErrors(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewVerifier(VerifierConfig{Secret: []byte("short")})
	assert.Error(t, err)
	_, err = NewVerifier(VerifierConfig{PublicKey: ed25519.PublicKey{1, 2, 3}})
	assert.Error(t, err)

	_, err = NewIssuer(IssuerConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = NewIssuer(IssuerConfig{Secret: []byte("short")})
	assert.Error(t, err)

	is, err := NewIssuer(IssuerConfig{Secret: testSecret})
	require.NoError(t, err)
	_, _, err = is.Issue(Grant{Clearance: classification.Public, Environment: "moon"})
	assert.Error(t, err)
}

func TestNewVerifierFromConfig(t *testing.T) {
	cfg := config.Default().Session
	_, err := NewVerifierFromConfig(cfg)
	assert.ErrorIs(t, err, ErrNotConfigured)

	cfg.Secret = string(testSecret)
	v, err := NewVerifierFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "HS256", v.Method())
}

func TestStripBearer(t *testing.T) {
	assert.Equal(t, "abc", StripBearer("Bearer abc"))
	assert.Equal(t, "abc", StripBearer("bearer  abc "))
	assert.Equal(t, "abc", StripBearer("abc"))
	assert.Equal(t, "", StripBearer("  "))
}
