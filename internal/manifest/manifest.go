// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package manifest models the integrity manifest emitted by each build.
//
// The manifest maps module IDs to their verification material and is sealed
// with the manifest signing key. The sealed file stores the manifest as the
// exact canonical JSON bytes that were signed, so any edit to it is detected.
package manifest

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// Version is the manifest format version.
const Version = 1

// sealDomain prefixes the signed manifest message.
const sealDomain = "termlimits-manifest/v1"

var (
	// ErrUnsigned indicates the manifest file lacks a signature.
	ErrUnsigned = errors.New("manifest is unsigned or signature is missing")
	// ErrTampered indicates the manifest signature verification failed.
	ErrTampered = errors.New("manifest signature verification failed - possible tampering detected")
	// ErrCorrupted indicates the manifest file cannot be parsed.
	ErrCorrupted = errors.New("manifest file is corrupted")
	// ErrNotFound indicates a module ID has no entry.
	ErrNotFound = errors.New("module not in manifest")
)

// Entry is the verification material for one module.
type Entry struct {
	ID           string               `json:"id"`
	Level        classification.Level `json:"level"`
	LevelSource  string               `json:"level_source,omitempty"`
	Strategy     string               `json:"strategy"`
	Confidential bool                 `json:"confidential"`
	ContentHash  string               `json:"content_hash"`
	CacheKey     string               `json:"cache_key"`
	ArtifactPath string               `json:"artifact_path"`
	Integrity    string               `json:"integrity"`
	Size         int64                `json:"size"`
	Signature    string               `json:"signature,omitempty"`
	KeyID        string               `json:"key_id,omitempty"`
	Dependencies []string             `json:"dependencies,omitempty"`
}

// SigningEntry returns the fields covered by the entry signature.
func (e Entry) SigningEntry() signing.Entry {
	return signing.Entry{
		ModuleID:    e.ID,
		Level:       e.Level,
		ContentHash: e.ContentHash,
		Integrity:   e.Integrity,
	}
}

// Manifest is safe for concurrent Put/Get.
type Manifest struct {
	Version     int              `json:"version"`
	BuildID     string           `json:"build_id"`
	Tag         string           `json:"tag"`
	GeneratedAt time.Time        `json:"generated_at"`
	Entries     map[string]Entry `json:"entries"`

	mu sync.RWMutex
}

// New creates an empty manifest.
func New(buildID, tag string) *Manifest {
	return &Manifest{
		Version:     Version,
		BuildID:     buildID,
		Tag:         tag,
		GeneratedAt: time.Now().UTC(),
		Entries:     make(map[string]Entry),
	}
}

// Put adds or replaces an entry.
func (m *Manifest) Put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Entries == nil {
		m.Entries = make(map[string]Entry)
	}
	m.Entries[e.ID] = e
}

// Get returns the entry for id.
func (m *Manifest) Get(id string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.Entries[id]
	return e, ok
}

// Remove deletes the entry for id.
func (m *Manifest) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Entries, id)
}

// IDs returns every module ID, sorted.
func (m *Manifest) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.Entries))
	for id := range m.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Entries)
}

// Canonical returns the deterministic JSON encoding. Map keys are sorted by
// encoding/json.
func (m *Manifest) Canonical() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m)
}

// =============================================================================
// SEALING
// =============================================================================

// Signer signs manifest messages. signing.KeyPair implements it.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	KeyID() string
}

// SignedManifest is the on-disk form: the signed canonical bytes plus signature.
type SignedManifest struct {
	Manifest  *Manifest       `json:"-"`
	Raw       json.RawMessage `json:"manifest"`
	Signature string          `json:"signature"`
	KeyID     string          `json:"key_id"`
	SignedAt  time.Time       `json:"signed_at"`
}

func sealMessage(raw []byte, keyID string, signedAt time.Time) []byte {
	var out []byte
	for _, f := range []string{sealDomain, keyID, signedAt.UTC().Format(time.RFC3339Nano)} {
		out = strconv.AppendInt(out, int64(len(f)), 10)
		out = append(out, ':')
		out = append(out, f...)
		out = append(out, '\n')
	}
	out = strconv.AppendInt(out, int64(len(raw)), 10)
	out = append(out, ':')
	return append(out, raw...)
}

// Seal signs the manifest's canonical bytes.
func (m *Manifest) Seal(s Signer) (*SignedManifest, error) {
	raw, err := m.Canonical()
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	sm := &SignedManifest{
		Manifest: m,
		Raw:      raw,
		KeyID:    s.KeyID(),
		SignedAt: time.Now().UTC(),
	}
	sig, err := s.Sign(sealMessage(raw, sm.KeyID, sm.SignedAt))
	if err != nil {
		return nil, fmt.Errorf("seal manifest: %w", err)
	}
	sm.Signature = base64.StdEncoding.EncodeToString(sig)
	return sm, nil
}

// Verify checks the seal against the manifest public key.
func (sm *SignedManifest) Verify(pub ed25519.PublicKey) error {
	if sm.Signature == "" {
		return ErrUnsigned
	}
	if sm.KeyID != signing.Fingerprint(pub) {
		return fmt.Errorf("%w: sealed by key %s, expected %s", ErrTampered, sm.KeyID, signing.Fingerprint(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sm.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrTampered)
	}
	if !ed25519.Verify(pub, sealMessage(sm.Raw, sm.KeyID, sm.SignedAt), sig) {
		return ErrTampered
	}
	return nil
}

// Bytes returns the exact file encoding. It is compact so that the embedded
// manifest bytes stay identical to what was signed.
func (sm *SignedManifest) Bytes() ([]byte, error) {
	return json.Marshal(sm)
}

// Save writes the sealed manifest atomically with 0644 permissions.
func (sm *SignedManifest) Save(path string) error {
	data, err := sm.Bytes()
	if err != nil {
		return fmt.Errorf("encode sealed manifest: %w", err)
	}
	data = append(data, '\n')
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Parse decodes a sealed manifest without verifying it.
func Parse(data []byte) (*SignedManifest, error) {
	var sm SignedManifest
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(sm.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing manifest body", ErrCorrupted)
	}
	var m Manifest
	if err := json.Unmarshal(sm.Raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, m.Version)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]Entry)
	}
	sm.Manifest = &m
	return &sm, nil
}

// Load reads a sealed manifest without verifying it.
func Load(path string) (*SignedManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// LoadVerified reads a sealed manifest and verifies its seal.
func LoadVerified(path string, pub ed25519.PublicKey) (*SignedManifest, error) {
	sm, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := sm.Verify(pub); err != nil {
		return nil, err
	}
	return sm, nil
}

// =============================================================================
// DIFF
// =============================================================================

// Changes lists module IDs that differ between two manifests.
type Changes struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether nothing changed.
func (d Changes) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff computes the changes from prev to next. A nil manifest counts as empty.
func Diff(prev, next *Manifest) Changes {
	d := Changes{Added: []string{}, Removed: []string{}, Changed: []string{}}
	oldIDs := map[string]Entry{}
	if prev != nil {
		for _, id := range prev.IDs() {
			e, _ := prev.Get(id)
			oldIDs[id] = e
		}
	}
	if next != nil {
		for _, id := range next.IDs() {
			ne, _ := next.Get(id)
			oe, ok := oldIDs[id]
			switch {
			case !ok:
				d.Added = append(d.Added, id)
			case entryChanged(oe, ne):
				d.Changed = append(d.Changed, id)
			}
			delete(oldIDs, id)
		}
	}
	for id := range oldIDs {
		d.Removed = append(d.Removed, id)
	}
	sort.Strings(d.Removed)
	return d
}

func entryChanged(a, b Entry) bool {
	return a.ContentHash != b.ContentHash ||
		a.Level != b.Level ||
		a.Strategy != b.Strategy ||
		a.Integrity != b.Integrity
}
