// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package signing manages the Ed25519 keys that sign artifacts and manifests.
//
// Every security level has its own key pair so that a verifier never accepts
// a higher-level module signed with a lower level's key. A separate manifest
// key seals the integrity manifest.
//
// Key directory layout:
//
//	<dir>/public.key        <dir>/public.pub
//	<dir>/restricted.key    <dir>/restricted.pub
//	<dir>/confidential.key  <dir>/confidential.pub
//	<dir>/top_secret.key    <dir>/top_secret.pub
//	<dir>/manifest.key      <dir>/manifest.pub
//
// Private keys are PEM "PRIVATE KEY" (PKCS#8) with 0600 permissions; public
// keys are PEM "PUBLIC KEY" (PKIX).
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// EntryDomain prefixes every signed entry message.
const EntryDomain = "termlimits-entry/v1"

// ManifestRole names the manifest key files.
const ManifestRole = "manifest"

var (
	// ErrNoKey indicates the key set lacks the key for a level or role
	ErrNoKey = errors.New("signing key not available")
	// ErrBadSignature indicates a signature failed verification
	ErrBadSignature = errors.New("signature verification failed")
	// ErrKeyMismatch indicates the signature names a different key than the verifier holds
	ErrKeyMismatch = errors.New("signature key ID does not match verifying key")
)

// =============================================================================
// KEY PAIR
// =============================================================================

// KeyPair is one Ed25519 key. Private is nil in public-only sets.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// KeyID returns the key's fingerprint.
func (k KeyPair) KeyID() string {
	return Fingerprint(k.Public)
}

// Sign signs msg. Fails with ErrNoKey for public-only pairs.
func (k KeyPair) Sign(msg []byte) ([]byte, error) {
	if len(k.Private) != ed25519.PrivateKeySize {
		return nil, ErrNoKey
	}
	return ed25519.Sign(k.Private, msg), nil
}

// Fingerprint returns the first 16 hex characters of SHA-256(public key).
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// =============================================================================
// KEY SET
// =============================================================================

// KeySet holds one key pair per level plus the manifest key.
type KeySet struct {
	Levels   map[classification.Level]KeyPair
	Manifest KeyPair
}

// Generate creates a fresh key set.
func Generate() (*KeySet, error) {
	ks := &KeySet{Levels: make(map[classification.Level]KeyPair)}
	for _, l := range classification.All() {
		kp, err := newKeyPair()
		if err != nil {
			return nil, err
		}
		ks.Levels[l] = kp
	}
	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	ks.Manifest = kp
	return ks, nil
}

func newKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// PublicSet returns a copy without private keys, suitable for distribution.
func (ks *KeySet) PublicSet() *KeySet {
	out := &KeySet{Levels: make(map[classification.Level]KeyPair, len(ks.Levels))}
	for l, kp := range ks.Levels {
		out.Levels[l] = KeyPair{Public: kp.Public}
	}
	out.Manifest = KeyPair{Public: ks.Manifest.Public}
	return out
}

// HasPrivate reports whether every key includes its private half.
func (ks *KeySet) HasPrivate() bool {
	if len(ks.Manifest.Private) == 0 {
		return false
	}
	for _, l := range classification.All() {
		if len(ks.Levels[l].Private) == 0 {
			return false
		}
	}
	return true
}

// For returns the key pair for a level.
func (ks *KeySet) For(level classification.Level) (KeyPair, error) {
	kp, ok := ks.Levels[level]
	if !ok || len(kp.Public) != ed25519.PublicKeySize {
		return KeyPair{}, fmt.Errorf("%w: %s", ErrNoKey, level)
	}
	return kp, nil
}

// ManifestSigner returns the manifest key pair.
func (ks *KeySet) ManifestSigner() KeyPair {
	return ks.Manifest
}

// =============================================================================
// ENTRY SIGNATURES
// =============================================================================

// Entry identifies what an artifact signature covers.
type Entry struct {
	ModuleID    string
	Level       classification.Level
	ContentHash string
	Integrity   string
}

// Message returns the framed bytes that are signed for an entry.
func (e Entry) Message() []byte {
	var out []byte
	for _, f := range []string{EntryDomain, e.ModuleID, e.Level.String(), e.ContentHash, e.Integrity} {
		out = strconv.AppendInt(out, int64(len(f)), 10)
		out = append(out, ':')
		out = append(out, f...)
		out = append(out, '\n')
	}
	return out
}

// SignEntry signs e with its level's key. Returns base64 signature and key ID.
func (ks *KeySet) SignEntry(e Entry) (string, string, error) {
	kp, err := ks.For(e.Level)
	if err != nil {
		return "", "", err
	}
	sig, err := kp.Sign(e.Message())
	if err != nil {
		return "", "", fmt.Errorf("sign %s: %w", e.ModuleID, err)
	}
	return base64.StdEncoding.EncodeToString(sig), kp.KeyID(), nil
}

// VerifyEntry checks a base64 signature with the key of e.Level only.
// A non-empty keyID must match that key's fingerprint.
func (ks *KeySet) VerifyEntry(e Entry, signature, keyID string) error {
	kp, err := ks.For(e.Level)
	if err != nil {
		return err
	}
	if keyID != "" && keyID != kp.KeyID() {
		return fmt.Errorf("%w: %s signed by %s, level key is %s", ErrKeyMismatch, e.ModuleID, keyID, kp.KeyID())
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature for %s", ErrBadSignature, e.ModuleID)
	}
	if !ed25519.Verify(kp.Public, e.Message(), sig) {
		return fmt.Errorf("%w: %s", ErrBadSignature, e.ModuleID)
	}
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func roleNames() []string {
	names := make([]string, 0, 5)
	for _, l := range classification.All() {
		names = append(names, l.Slug())
	}
	return append(names, ManifestRole)
}

func (ks *KeySet) pairFor(role string) *KeyPair {
	if role == ManifestRole {
		return &ks.Manifest
	}
	for _, l := range classification.All() {
		if l.Slug() == role {
			kp := ks.Levels[l]
			return &kp
		}
	}
	return nil
}

func (ks *KeySet) setPair(role string, kp KeyPair) {
	if role == ManifestRole {
		ks.Manifest = kp
		return
	}
	for _, l := range classification.All() {
		if l.Slug() == role {
			ks.Levels[l] = kp
		}
	}
}

// Save writes every key to dir. Private keys are skipped for public-only sets.
func (ks *KeySet) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create signing key directory: %w", err)
	}
	for _, role := range roleNames() {
		kp := ks.pairFor(role)
		if kp == nil || len(kp.Public) == 0 {
			return fmt.Errorf("%w: %s", ErrNoKey, role)
		}
		pubPEM, err := encodePublic(kp.Public)
		if err != nil {
			return err
		}
		if err := util.AtomicWriteFileWithDir(filepath.Join(dir, role+".pub"), pubPEM, 0644, 0700); err != nil {
			return fmt.Errorf("write %s public key: %w", role, err)
		}
		if len(kp.Private) == 0 {
			continue
		}
		privPEM, err := encodePrivate(kp.Private)
		if err != nil {
			return err
		}
		if err := util.AtomicWriteFileWithDir(filepath.Join(dir, role+".key"), privPEM, 0600, 0700); err != nil {
			return fmt.Errorf("write %s private key: %w", role, err)
		}
	}
	return nil
}

// SavePublic writes only the public halves, for export to verifiers.
func (ks *KeySet) SavePublic(dir string) error {
	return ks.PublicSet().Save(dir)
}

// Load reads a key set from dir. Private keys are loaded when present.
func Load(dir string) (*KeySet, error) {
	ks := &KeySet{Levels: make(map[classification.Level]KeyPair)}
	for _, role := range roleNames() {
		pubPEM, err := os.ReadFile(filepath.Join(dir, role+".pub"))
		if err != nil {
			return nil, fmt.Errorf("read %s public key: %w", role, err)
		}
		pub, err := decodePublic(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("%s public key: %w", role, err)
		}
		kp := KeyPair{Public: pub}

		privPath := filepath.Join(dir, role+".key")
		if privPEM, err := os.ReadFile(privPath); err == nil {
			priv, err := decodePrivate(privPEM)
			if err != nil {
				return nil, fmt.Errorf("%s private key: %w", role, err)
			}
			if !pub.Equal(priv.Public()) {
				return nil, fmt.Errorf("%s private key does not match public key", role)
			}
			kp.Private = priv
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s private key: %w", role, err)
		}
		ks.setPair(role, kp)
	}
	return ks, nil
}

// Exists reports whether dir holds a complete public key set.
func Exists(dir string) bool {
	for _, role := range roleNames() {
		if _, err := os.Stat(filepath.Join(dir, role+".pub")); err != nil {
			return false
		}
	}
	return true
}

// LoadPublicKey reads one PEM public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodePublic(b)
}

func encodePublic(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func encodePrivate(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodePublicKey parses a PEM "PUBLIC KEY" block holding an Ed25519 key.
func DecodePublicKey(b []byte) (ed25519.PublicKey, error) {
	return decodePublic(b)
}

func decodePublic(b []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("no PEM PUBLIC KEY block")
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key (%T)", k)
	}
	return pub, nil
}

func decodePrivate(b []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("no PEM PRIVATE KEY block")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an ed25519 key (%T)", k)
	}
	return priv, nil
}
