// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
const NonceSize = 12

// AESGCM encrypts with AES-256-GCM under a per-module key expanded from
// the current epoch key. The associated data binds module ID and level.
type AESGCM struct {
	keys KeySource
}

// NewAESGCM creates the CONFIDENTIAL strategy.
func NewAESGCM(keys KeySource) *AESGCM {
	return &AESGCM{keys: keys}
}

func (s *AESGCM) Name() string                { return StrategyAESGCM }
func (s *AESGCM) Level() classification.Level { return classification.Confidential }
func (s *AESGCM) Confidential() bool          { return true }
func (s *AESGCM) Extension() string           { return ".enc.json" }

func (s *AESGCM) aead(epochKey []byte, moduleID string) (cipher.AEAD, error) {
	key, err := expandKey(epochKey, nil, "termlimits/"+StrategyAESGCM+"/"+moduleID)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func aesAAD(moduleID string, level classification.Level) []byte {
	return []byte(moduleID + "|" + level.String())
}

// Protect encrypts in.Source. Returns an envelope holding nonce and ciphertext||tag.
func (s *AESGCM) Protect(ctx context.Context, in Input) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keyID, epochKey, err := s.keys.Current()
	if err != nil {
		return nil, err
	}
	gcm, err := s.aead(epochKey, in.ModuleID)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(NonceSize)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:      EnvelopeVersion,
		Strategy:     StrategyAESGCM,
		Level:        in.Level,
		KeyID:        keyID,
		Nonce:        nonce,
		Payload:      gcm.Seal(nil, nonce, in.Source, aesAAD(in.ModuleID, in.Level)),
		Confidential: true,
	}, nil
}

// Unprotect decrypts env for a binding whose clearance dominates the level.
func (s *AESGCM) Unprotect(ctx context.Context, env *Envelope, b Binding) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if env.Strategy != StrategyAESGCM || len(env.Nonce) != NonceSize {
		return nil, ErrInvalidEnvelope
	}
	if !b.Clearance.Dominates(env.Level) {
		return nil, fmt.Errorf("%w: clearance %s below %s", ErrUnauthorized, b.Clearance, env.Level)
	}
	epochKey, err := s.keys.Key(env.KeyID)
	if err != nil {
		return nil, err
	}
	gcm, err := s.aead(epochKey, b.ModuleID)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, env.Nonce, env.Payload, aesAAD(b.ModuleID, env.Level))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plain, nil
}
