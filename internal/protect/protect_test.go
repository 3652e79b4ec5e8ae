// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

func newRing(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := OpenKeyRing(NewMemoryKeyStore(), RingOptions{})
	require.NoError(t, err)
	_, err = ring.Init()
	require.NoError(t, err)
	return ring
}

var source = []byte("export function vault() { return 'launch codes'; }\n")

func fullBinding(id, build string) Binding {
	return Binding{
		ModuleID:    id,
		BuildID:     build,
		Permissions: []string{DefaultPermission},
		Clearance:   classification.TopSecret,
	}
}

func TestRegistry_DefaultMapping(t *testing.T) {
	r := NewRegistry(newRing(t), "")
	assert.Equal(t, StrategyPassthrough, r.For(classification.Public).Name())
	assert.Equal(t, StrategyObfuscate, r.For(classification.Restricted).Name())
	assert.Equal(t, StrategyAESGCM, r.For(classification.Confidential).Name())
	assert.Equal(t, StrategyXChaCha, r.For(classification.TopSecret).Name())

	assert.False(t, r.For(classification.Public).Confidential())
	assert.False(t, r.For(classification.Restricted).Confidential())
	assert.True(t, r.For(classification.Confidential).Confidential())
	assert.True(t, r.For(classification.TopSecret).Confidential())

	assert.Equal(t, []string{StrategyPassthrough, StrategyObfuscate, StrategyAESGCM, StrategyXChaCha}, r.Names())
}

func TestRegistry_UpgradeOnly(t *testing.T) {
	r := NewRegistry(newRing(t), "")
	require.NoError(t, r.Upgrade(classification.Restricted, StrategyAESGCM))
	assert.Equal(t, StrategyAESGCM, r.For(classification.Restricted).Name())

	err := r.Upgrade(classification.TopSecret, StrategyAESGCM)
	assert.ErrorIs(t, err, ErrDowngrade)

	err = r.Upgrade(classification.Public, "rot13")
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	err = r.Configure(map[string]string{"confidential": StrategyObfuscate})
	assert.ErrorIs(t, err, ErrDowngrade)
}

func TestStrategies_RoundTrip(t *testing.T) {
	r := NewRegistry(newRing(t), "")
	ctx := context.Background()

	for _, level := range classification.All() {
		t.Run(level.String(), func(t *testing.T) {
			s := r.For(level)
			env, err := s.Protect(ctx, Input{ModuleID: "app/x.js", Level: level, BuildID: "b1", Source: source})
			require.NoError(t, err)
			assert.Equal(t, s.Confidential(), env.Confidential)

			art, err := env.Artifact()
			require.NoError(t, err)
			if s.Confidential() || s.Name() == StrategyObfuscate {
				assert.False(t, bytes.Contains(art, []byte("launch codes")), "payload visible in artifact")
			}

			parsed, err := ParseArtifact(s.Name(), level, art)
			require.NoError(t, err)
			got, err := s.Unprotect(ctx, parsed, fullBinding("app/x.js", "b1"))
			require.NoError(t, err)
			assert.Equal(t, source, got)
		})
	}
}

func TestObfuscate_NotSecret(t *testing.T) {
	env, err := Obfuscate{}.Protect(context.Background(), Input{ModuleID: "m.js", BuildID: "b", Source: source, Level: classification.Restricted})
	require.NoError(t, err)
	assert.False(t, env.Confidential)

	// Reversible by anyone who knows the module and build IDs
	assert.Equal(t, source, xorKeystream("m.js", "b", env.Payload))
	// A different build ID yields garbage, not an error
	got, err := Obfuscate{}.Unprotect(context.Background(), env, Binding{ModuleID: "m.js", BuildID: "other"})
	require.NoError(t, err)
	assert.NotEqual(t, source, got)
}

func TestAESGCM_Tampering(t *testing.T) {
	ring := newRing(t)
	s := NewAESGCM(ring)
	ctx := context.Background()
	in := Input{ModuleID: "admin/a.js", Level: classification.Confidential, Source: source}
	b := Binding{ModuleID: "admin/a.js", Clearance: classification.Confidential}

	fresh := func() *Envelope {
		env, err := s.Protect(ctx, in)
		require.NoError(t, err)
		return env
	}

	env := fresh()
	env.Payload[0] ^= 0xFF
	_, err := s.Unprotect(ctx, env, b)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "ciphertext edit")

	env = fresh()
	env.Level = classification.Restricted
	_, err = s.Unprotect(ctx, env, Binding{ModuleID: "admin/a.js", Clearance: classification.TopSecret})
	assert.ErrorIs(t, err, ErrDecryptionFailed, "level edit changes AAD")

	env = fresh()
	_, err = s.Unprotect(ctx, env, Binding{ModuleID: "admin/b.js", Clearance: classification.Confidential})
	assert.ErrorIs(t, err, ErrDecryptionFailed, "payload swapped to another module")

	env = fresh()
	env.KeyID = "epoch-9"
	_, err = s.Unprotect(ctx, env, b)
	assert.ErrorIs(t, err, ErrUnknownEpoch)

	env = fresh()
	_, err = s.Unprotect(ctx, env, Binding{ModuleID: "admin/a.js", Clearance: classification.Restricted})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAESGCM_UniqueNonces(t *testing.T) {
	s := NewAESGCM(newRing(t))
	a, err := s.Protect(context.Background(), Input{ModuleID: "a.js", Level: classification.Confidential, Source: source})
	require.NoError(t, err)
	b, err := s.Protect(context.Background(), Input{ModuleID: "a.js", Level: classification.Confidential, Source: source})
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Payload, b.Payload)
}

func TestXChaCha_Binding(t *testing.T) {
	s := NewXChaCha(newRing(t), "")
	ctx := context.Background()
	env, err := s.Protect(ctx, Input{ModuleID: "vault.js", Level: classification.TopSecret, BuildID: "b1", Source: source})
	require.NoError(t, err)
	assert.Equal(t, DefaultPermission, env.Permission)

	ok := fullBinding("vault.js", "b1")
	_, err = s.Unprotect(ctx, env, ok)
	require.NoError(t, err)

	noPerm := ok
	noPerm.Permissions = []string{"modules:read"}
	_, err = s.Unprotect(ctx, env, noPerm)
	assert.ErrorIs(t, err, ErrUnauthorized)

	lowClearance := ok
	lowClearance.Clearance = classification.Confidential
	_, err = s.Unprotect(ctx, env, lowClearance)
	assert.ErrorIs(t, err, ErrUnauthorized)

	otherBuild := ok
	otherBuild.BuildID = "b2"
	_, err = s.Unprotect(ctx, env, otherBuild)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Rewriting the permission in the envelope breaks the AAD
	relabeled := *env
	relabeled.Permission = "modules:read"
	easy := ok
	easy.Permissions = []string{"modules:read"}
	_, err = s.Unprotect(ctx, &relabeled, easy)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestParseArtifact_Invalid(t *testing.T) {
	_, err := ParseArtifact(StrategyAESGCM, classification.Confidential, []byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	env := Envelope{Version: 2, Strategy: StrategyAESGCM, Level: classification.Confidential}
	b, _ := json.Marshal(env)
	_, err = ParseArtifact(StrategyAESGCM, classification.Confidential, b)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	env.Version = EnvelopeVersion
	b, _ = json.Marshal(env)
	_, err = ParseArtifact(StrategyXChaCha, classification.Confidential, b)
	assert.ErrorIs(t, err, ErrInvalidEnvelope, "strategy mismatch")

	_, err = ParseArtifact(StrategyAESGCM, classification.TopSecret, b)
	assert.ErrorIs(t, err, ErrInvalidEnvelope, "level mismatch")
}

func TestEnvelope_JSONShape(t *testing.T) {
	env, err := NewAESGCM(newRing(t)).Protect(context.Background(), Input{ModuleID: "a.js", Level: classification.Confidential, Source: source})
	require.NoError(t, err)
	art, err := env.Artifact()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(art, &m))
	for _, k := range []string{"v", "strategy", "level", "key_id", "nonce", "payload", "confidential"} {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, "CONFIDENTIAL", m["level"])
	assert.Equal(t, "epoch-1", m["key_id"])
}

func TestNoKeys(t *testing.T) {
	r := NewRegistry(nil, "")
	_, err := r.For(classification.Confidential).Protect(context.Background(), Input{ModuleID: "a.js", Level: classification.Confidential})
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = r.For(classification.Public).Protect(context.Background(), Input{ModuleID: "a.js"})
	assert.NoError(t, err)
}

func TestProtect_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAESGCM(newRing(t)).Protect(ctx, Input{ModuleID: "a.js", Level: classification.Confidential})
	assert.ErrorIs(t, err, context.Canceled)
}
