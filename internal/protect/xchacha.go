// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"context"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// DefaultPermission is the session permission required to unwrap TOP_SECRET payloads.
const DefaultPermission = "modules:top_secret"

// XChaCha encrypts with XChaCha20-Poly1305. The associated data is the
// framed tuple (module ID, level, build ID, permission, key ID) so a
// payload only opens for the exact build, module and key it was made for.
type XChaCha struct {
	keys       KeySource
	permission string
}

// NewXChaCha creates the TOP_SECRET strategy. An empty permission uses DefaultPermission.
func NewXChaCha(keys KeySource, permission string) *XChaCha {
	if permission == "" {
		permission = DefaultPermission
	}
	return &XChaCha{keys: keys, permission: permission}
}

func (s *XChaCha) Name() string                { return StrategyXChaCha }
func (s *XChaCha) Level() classification.Level { return classification.TopSecret }
func (s *XChaCha) Confidential() bool          { return true }
func (s *XChaCha) Extension() string           { return ".ctx.json" }

// Permission returns the permission bound into new envelopes.
func (s *XChaCha) Permission() string { return s.permission }

func (s *XChaCha) aead(epochKey []byte, moduleID string) (cipher.AEAD, error) {
	key, err := expandKey(epochKey, nil, "termlimits/"+StrategyXChaCha+"/"+moduleID)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return chacha20poly1305.NewX(key)
}

func contextAAD(moduleID string, level classification.Level, buildID, permission, keyID string) []byte {
	return frame("termlimits-ctx/v1", moduleID, level.String(), buildID, permission, keyID)
}

func (s *XChaCha) Protect(ctx context.Context, in Input) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyID, epochKey, err := s.keys.Current()
	if err != nil {
		return nil, err
	}
	aead, err := s.aead(epochKey, in.ModuleID)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	aad := contextAAD(in.ModuleID, in.Level, in.BuildID, s.permission, keyID)
	return &Envelope{
		Version:      EnvelopeVersion,
		Strategy:     StrategyXChaCha,
		Level:        in.Level,
		KeyID:        keyID,
		Nonce:        nonce,
		Payload:      aead.Seal(nil, nonce, in.Source, aad),
		Confidential: true,
		Permission:   s.permission,
	}, nil
}

// Unprotect requires the envelope's permission and clearance that dominates
// both the envelope level and TOP_SECRET.
func (s *XChaCha) Unprotect(ctx context.Context, env *Envelope, b Binding) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.Strategy != StrategyXChaCha || len(env.Nonce) != chacha20poly1305.NonceSizeX || env.Permission == "" {
		return nil, ErrInvalidEnvelope
	}
	if !b.Clearance.Dominates(classification.Highest(env.Level, classification.TopSecret)) {
		return nil, fmt.Errorf("%w: clearance %s below %s", ErrUnauthorized, b.Clearance, classification.TopSecret)
	}
	if !b.HasPermission(env.Permission) {
		return nil, fmt.Errorf("%w: missing permission %q", ErrUnauthorized, env.Permission)
	}
	epochKey, err := s.keys.Key(env.KeyID)
	if err != nil {
		return nil, err
	}
	aead, err := s.aead(epochKey, b.ModuleID)
	if err != nil {
		return nil, err
	}
	aad := contextAAD(b.ModuleID, env.Level, b.BuildID, env.Permission, env.KeyID)
	plain, err := aead.Open(nil, env.Nonce, env.Payload, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
