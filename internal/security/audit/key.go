// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// =============================================================================
// HMAC KEY MANAGEMENT
// =============================================================================

// KeySource indicates where the HMAC key was loaded from.
type KeySource string

const (
	KeySourceEnvVar  KeySource = "environment_variable"
	KeySourceEnvFile KeySource = "env_file_path"
	KeySourceDefault KeySource = "default_key_file"
	KeySourceNone    KeySource = "not_loaded"
)

const (
	// HMACKeyEnvVar is the environment variable for the HMAC key (hex-encoded).
	HMACKeyEnvVar = "TERMLIMITS_AUDIT_HMAC_KEY"

	// HMACKeyFileEnvVar is the environment variable pointing to a key file.
	HMACKeyFileEnvVar = "TERMLIMITS_AUDIT_HMAC_KEY_FILE"

	// DefaultKeyFileName is the key file name next to the audit log.
	DefaultKeyFileName = ".audit_hmac_key"

	// KeySize is the HMAC key size in bytes (256 bits).
	KeySize = 32
)

// ErrNoKey indicates no HMAC key is configured.
var ErrNoKey = errors.New("no audit HMAC key configured")

// KeyMetadata describes the loaded key without exposing it.
type KeyMetadata struct {
	Source      KeySource `json:"source"`
	KeyPath     string    `json:"key_path,omitempty"`
	LoadedAt    time.Time `json:"loaded_at"`
	Fingerprint string    `json:"fingerprint"`
}

// KeyManager loads the audit HMAC key.
type KeyManager struct {
	dir      string
	key      []byte
	metadata *KeyMetadata
	mu       sync.RWMutex
}

// NewKeyManager creates a key manager rooted at the audit log directory.
func NewKeyManager(dir string) *KeyManager {
	return &KeyManager{dir: dir}
}

// DefaultKeyPath returns the key file path used when no env var is set.
func (m *KeyManager) DefaultKeyPath() string {
	return filepath.Join(m.dir, DefaultKeyFileName)
}

// LoadKey loads the key. Priority: 1) hex env var, 2) key file named by
// env var, 3) default key file. No key is generated when none is found.
func (m *KeyManager) LoadKey() ([]byte, KeySource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keyHex := os.Getenv(HMACKeyEnvVar); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, KeySourceNone, fmt.Errorf("invalid HMAC key in %s: %w", HMACKeyEnvVar, err)
		}
		return m.setLocked(key, KeySourceEnvVar, "")
	}

	if keyPath := os.Getenv(HMACKeyFileEnvVar); keyPath != "" {
		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, KeySourceNone, fmt.Errorf("failed to read HMAC key file %s: %w", keyPath, err)
		}
		return m.setLocked(key, KeySourceEnvFile, keyPath)
	}

	path := m.DefaultKeyPath()
	key, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, KeySourceNone, fmt.Errorf("%w: set %s, set %s, or run `termlimits keys init` to create %s",
				ErrNoKey, HMACKeyEnvVar, HMACKeyFileEnvVar, path)
		}
		return nil, KeySourceNone, fmt.Errorf("failed to read HMAC key file: %w", err)
	}
	return m.setLocked(key, KeySourceDefault, path)
}

func (m *KeyManager) setLocked(key []byte, source KeySource, path string) ([]byte, KeySource, error) {
	if len(key) != KeySize {
		return nil, KeySourceNone, fmt.Errorf("HMAC key from %s must be %d bytes, got %d", source, KeySize, len(key))
	}
	m.key = key
	m.metadata = &KeyMetadata{
		Source:      source,
		KeyPath:     path,
		LoadedAt:    time.Now(),
		Fingerprint: KeyFingerprint(key),
	}
	return key, source, nil
}

// Metadata returns a copy of the loaded key's metadata, or nil.
func (m *KeyManager) Metadata() *KeyMetadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metadata == nil {
		return nil
	}
	md := *m.metadata
	return &md
}

// Close zeros the loaded key.
func (m *KeyManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = nil
}

// KeyFingerprint identifies a key without revealing it.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// GenerateKeyFile creates a new random key at path (0600). An existing key
// file is left untouched and reported as created=false.
func GenerateKeyFile(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return false, fmt.Errorf("failed to generate random key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	if err := util.AtomicWriteFileWithDir(path, key, 0600, 0700); err != nil {
		return false, fmt.Errorf("failed to write key: %w", err)
	}
	return true, nil
}
