// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// KeySize is the size of every symmetric key (32 bytes / 256 bits)
const KeySize = 32

// SaltSize is the size of the salt for passphrase derivation (32 bytes)
const SaltSize = 32

// PBKDF2Iterations is the number of iterations for PBKDF2 key derivation.
// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotInitialized indicates the key ring has no epochs yet
	ErrNotInitialized = errors.New("key ring not initialized: run 'termlimits keys init'")
	// ErrInvalidEnvelope indicates the envelope format is invalid
	ErrInvalidEnvelope = errors.New("invalid protection envelope")
	// ErrDecryptionFailed indicates decryption failed (wrong key, context or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
	// ErrUnauthorized indicates the binding lacks clearance or permission
	ErrUnauthorized = errors.New("binding not authorized for this payload")
	// ErrUnknownStrategy indicates no strategy is registered under a name
	ErrUnknownStrategy = errors.New("unknown protection strategy")
	// ErrDowngrade indicates a configured strategy is weaker than the level requires
	ErrDowngrade = errors.New("strategy weaker than level default")
	// ErrUnknownEpoch indicates an envelope references a key the ring never had
	ErrUnknownEpoch = errors.New("unknown key epoch")
	// ErrEpochRetired indicates an envelope references a retired key epoch
	ErrEpochRetired = errors.New("key epoch retired")
	// ErrWrongPassphrase indicates the ring passphrase check failed
	ErrWrongPassphrase = errors.New("wrong key ring passphrase")
)

// =============================================================================
// HELPERS
// =============================================================================

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GenerateSalt generates a cryptographically random salt.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// GenerateKey generates a random 256-bit key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeySize)
}

// DeriveKey derives a key from a passphrase using PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// expandKey derives a purpose-bound subkey with HKDF-SHA256.
func expandKey(master, salt []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}
