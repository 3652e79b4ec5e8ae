// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// =============================================================================
// KEYSTORE INTERFACE
// =============================================================================

// KeyStore stores named secret blobs such as epoch keys and ring state.
type KeyStore interface {
	// Store saves a blob under name, replacing any previous value.
	Store(name string, data []byte) error
	// Retrieve returns the blob stored under name.
	// Missing entries return an error satisfying errors.Is(err, os.ErrNotExist).
	Retrieve(name string) ([]byte, error)
	// Delete removes name. Deleting a missing entry is not an error.
	Delete(name string) error
	// Exists reports whether name is stored.
	Exists(name string) bool
}

// Locker is implemented by stores that can serialize writers across processes.
type Locker interface {
	Lock() (unlock func(), err error)
}

// validName rejects names that could escape the store directory.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid key name %q", name)
	}
	return nil
}

// =============================================================================
// FILE-BASED KEYSTORE
// =============================================================================

// FileKeyStore keeps each blob in its own file inside a 0700 directory.
// Files are written atomically with 0600 permissions.
type FileKeyStore struct {
	dir string
}

// NewFileKeyStore creates a file-based key store rooted at dir.
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir}
}

// Dir returns the store directory.
func (f *FileKeyStore) Dir() string {
	return f.dir
}

// Store saves the blob to a file with restricted permissions.
// RELIABILITY: Atomic write with fsync prevents data loss on crash
func (f *FileKeyStore) Store(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := checkDirPermissions(f.dir); err != nil {
		return err
	}
	if err := util.AtomicWriteFileWithDir(filepath.Join(f.dir, name), data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Retrieve reads a blob after verifying directory and file permissions.
func (f *FileKeyStore) Retrieve(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	p := filepath.Join(f.dir, name)
	if _, err := os.Stat(p); err != nil {
		return nil, err
	}
	if err := checkDirPermissions(f.dir); err != nil {
		return nil, err
	}
	if err := checkFilePermissions(p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return data, nil
}

// Delete overwrites the file with zeros and removes it.
func (f *FileKeyStore) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	p := filepath.Join(f.dir, name)
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat key file for deletion: %w", err)
	}

	if size := info.Size(); size > 0 {
		if fh, err := os.OpenFile(p, os.O_WRONLY, 0600); err == nil {
			_, _ = fh.Write(make([]byte, size))
			_ = fh.Sync()
			_ = fh.Close()
		}
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists checks if the key file exists.
func (f *FileKeyStore) Exists(name string) bool {
	if validName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(f.dir, name))
	return err == nil
}

// Lock takes an exclusive advisory lock on the store directory.
func (f *FileKeyStore) Lock() (func(), error) {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return lockFile(filepath.Join(f.dir, ".lock"))
}

// =============================================================================
// IN-MEMORY KEYSTORE
// =============================================================================

// MemoryKeyStore keeps blobs in memory. It is used by tests and by
// ephemeral `termlimits build --ephemeral-keys` runs.
type MemoryKeyStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryKeyStore creates an empty in-memory store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{blobs: make(map[string][]byte)}
}

func (m *MemoryKeyStore) Store(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryKeyStore) Retrieve(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryKeyStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.blobs[name]; ok {
		ZeroBytes(b)
		delete(m.blobs, name)
	}
	return nil
}

func (m *MemoryKeyStore) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[name]
	return ok
}

// Names returns the stored names, sorted.
func (m *MemoryKeyStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.blobs))
	for n := range m.blobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// isNotExist reports whether err means the entry is missing.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
