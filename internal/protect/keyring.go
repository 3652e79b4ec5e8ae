// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ringStateName = "ring.json"
	ringVersion   = 1

	modeRandom     = "random"
	modePassphrase = "passphrase"

	// DefaultRotationInterval is the default lifetime of one epoch.
	DefaultRotationInterval = 24 * time.Hour
	// DefaultRetainEpochs is the default number of past epochs kept for decryption.
	DefaultRetainEpochs = 7
)

// KeySource supplies epoch keys to strategies.
type KeySource interface {
	// Current returns the active key ID and key.
	Current() (keyID string, key []byte, err error)
	// Key returns the key for a key ID found in an envelope.
	Key(keyID string) ([]byte, error)
}

// Epoch describes one key generation.
type Epoch struct {
	ID        uint32    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Retired   bool      `json:"retired,omitempty"`
}

// KeyID returns the identifier recorded in envelopes ("epoch-<n>").
func (e Epoch) KeyID() string {
	return EpochKeyID(e.ID)
}

// EpochKeyID formats an epoch number as a key ID.
func EpochKeyID(id uint32) string {
	return "epoch-" + strconv.FormatUint(uint64(id), 10)
}

// ParseEpochKeyID parses "epoch-<n>".
func ParseEpochKeyID(keyID string) (uint32, error) {
	rest, ok := strings.CutPrefix(keyID, "epoch-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEpoch, keyID)
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEpoch, keyID)
	}
	return uint32(n), nil
}

func epochFileName(id uint32) string {
	return EpochKeyID(id) + ".key"
}

// ringState is persisted as ring.json. It holds no secrets.
type ringState struct {
	Version int     `json:"version"`
	Mode    string  `json:"mode"`
	Salt    []byte  `json:"salt,omitempty"`
	Check   []byte  `json:"check,omitempty"`
	Current uint32  `json:"current"`
	Epochs  []Epoch `json:"epochs"`
}

// RingOptions controls a KeyRing.
type RingOptions struct {
	RotationInterval time.Duration
	RetainEpochs     int
	// Passphrase switches the ring to derived keys: epoch keys are expanded
	// from a PBKDF2 master key and never written to disk.
	Passphrase string
	// Now overrides the clock (tests).
	Now func() time.Time
}

// KeyRing manages numbered key epochs with periodic rotation.
// It is safe for concurrent use.
type KeyRing struct {
	mu     sync.RWMutex
	store  KeyStore
	opts   RingOptions
	state  *ringState
	master []byte
	cache  map[uint32][]byte
}

// OpenKeyRing loads the ring state from store. A store without ring state
// yields an uninitialized ring; call Init to create the first epoch.
func OpenKeyRing(store KeyStore, opts RingOptions) (*KeyRing, error) {
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = DefaultRotationInterval
	}
	if opts.RetainEpochs <= 0 {
		opts.RetainEpochs = DefaultRetainEpochs
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &KeyRing{store: store, opts: opts, cache: make(map[uint32][]byte)}

	data, err := store.Retrieve(ringStateName)
	if isNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load key ring: %w", err)
	}

	var st ringState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse key ring: %w", err)
	}
	if st.Version != ringVersion {
		return nil, fmt.Errorf("unsupported key ring version %d", st.Version)
	}
	r.state = &st

	if st.Mode == modePassphrase {
		if opts.Passphrase == "" {
			return nil, fmt.Errorf("key ring is passphrase protected: %w", ErrWrongPassphrase)
		}
		master := DeriveKey(opts.Passphrase, st.Salt)
		if !hmac.Equal(passphraseCheck(master), st.Check) {
			ZeroBytes(master)
			return nil, ErrWrongPassphrase
		}
		r.master = master
	}
	return r, nil
}

func passphraseCheck(master []byte) []byte {
	mac := hmac.New(sha256.New, master)
	mac.Write([]byte("termlimits-ring-check/v1"))
	return mac.Sum(nil)
}

// Initialized reports whether the ring has at least one epoch.
func (r *KeyRing) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state != nil && r.state.Current != 0
}

// Init creates epoch 1. It fails if the ring already exists.
func (r *KeyRing) Init() (Epoch, error) {
	unlock, err := r.lock()
	if err != nil {
		return Epoch{}, err
	}
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != nil {
		return Epoch{}, fmt.Errorf("key ring already initialized")
	}

	st := &ringState{Version: ringVersion, Mode: modeRandom}
	if r.opts.Passphrase != "" {
		salt, err := GenerateSalt()
		if err != nil {
			return Epoch{}, err
		}
		master := DeriveKey(r.opts.Passphrase, salt)
		st.Mode = modePassphrase
		st.Salt = salt
		st.Check = passphraseCheck(master)
		r.master = master
	}
	r.state = st

	ep, err := r.addEpochLocked()
	if err != nil {
		r.state = nil
		return Epoch{}, err
	}
	return ep, nil
}

// Rotate starts a new epoch and retires epochs beyond the retention window.
func (r *KeyRing) Rotate() (Epoch, error) {
	ep, _, err := r.rotate(false)
	return ep, err
}

// RotateIfDue rotates when the current epoch is older than the rotation interval.
func (r *KeyRing) RotateIfDue() (Epoch, bool, error) {
	return r.rotate(true)
}

// rotate adds an epoch. With onlyIfDue the age check happens under the
// write lock, so concurrent callers rotate at most once per interval.
func (r *KeyRing) rotate(onlyIfDue bool) (Epoch, bool, error) {
	unlock, err := r.lock()
	if err != nil {
		return Epoch{}, false, err
	}
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return Epoch{}, false, ErrNotInitialized
	}
	if onlyIfDue {
		cur, _ := r.epochLocked(r.state.Current)
		if r.opts.Now().Sub(cur.CreatedAt) < r.opts.RotationInterval {
			return cur, false, nil
		}
	}
	ep, err := r.addEpochLocked()
	if err != nil {
		return Epoch{}, false, err
	}
	return ep, true, nil
}

func (r *KeyRing) addEpochLocked() (Epoch, error) {
	next := r.state.Current + 1
	ep := Epoch{ID: next, CreatedAt: r.opts.Now().UTC()}

	if r.state.Mode == modeRandom {
		key, err := GenerateKey()
		if err != nil {
			return Epoch{}, err
		}
		if err := r.store.Store(epochFileName(next), key); err != nil {
			return Epoch{}, fmt.Errorf("store epoch key: %w", err)
		}
		r.cache[next] = key
	}

	prev := r.state.Epochs
	r.state.Epochs = append(append([]Epoch(nil), prev...), ep)
	r.state.Current = next

	var retired []uint32
	for i := range r.state.Epochs {
		e := &r.state.Epochs[i]
		if !e.Retired && next-e.ID > uint32(r.opts.RetainEpochs) {
			e.Retired = true
			retired = append(retired, e.ID)
		}
	}

	if err := r.saveLocked(); err != nil {
		r.state.Epochs = prev
		r.state.Current = next - 1
		return Epoch{}, err
	}

	for _, id := range retired {
		if b, ok := r.cache[id]; ok {
			ZeroBytes(b)
			delete(r.cache, id)
		}
		if r.state.Mode == modeRandom {
			_ = r.store.Delete(epochFileName(id))
		}
	}
	return ep, nil
}

func (r *KeyRing) saveLocked() error {
	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return err
	}
	if err := r.store.Store(ringStateName, data); err != nil {
		return fmt.Errorf("save key ring: %w", err)
	}
	return nil
}

func (r *KeyRing) epochLocked(id uint32) (Epoch, bool) {
	for _, e := range r.state.Epochs {
		if e.ID == id {
			return e, true
		}
	}
	return Epoch{}, false
}

func (r *KeyRing) lock() (func(), error) {
	if l, ok := r.store.(Locker); ok {
		return l.Lock()
	}
	return func() {}, nil
}

// Current returns the active epoch's key ID and key.
func (r *KeyRing) Current() (string, []byte, error) {
	r.mu.RLock()
	if r.state == nil || r.state.Current == 0 {
		r.mu.RUnlock()
		return "", nil, ErrNotInitialized
	}
	id := r.state.Current
	r.mu.RUnlock()

	key, err := r.keyFor(id)
	if err != nil {
		return "", nil, err
	}
	return EpochKeyID(id), key, nil
}

// Key returns the key for keyID, refusing retired or unknown epochs.
func (r *KeyRing) Key(keyID string) ([]byte, error) {
	id, err := ParseEpochKeyID(keyID)
	if err != nil {
		return nil, err
	}
	return r.keyFor(id)
}

func (r *KeyRing) keyFor(id uint32) ([]byte, error) {
	r.mu.RLock()
	if r.state == nil {
		r.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	ep, ok := r.epochLocked(id)
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEpoch, EpochKeyID(id))
	}
	if ep.Retired {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrEpochRetired, EpochKeyID(id))
	}
	if key, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return key, nil
	}
	mode, salt := r.state.Mode, r.state.Salt
	master := r.master
	r.mu.RUnlock()

	var key []byte
	var err error
	if mode == modePassphrase {
		if master == nil {
			return nil, ErrNotInitialized
		}
		key, err = expandKey(master, salt, EpochKeyID(id))
	} else {
		key, err = r.store.Retrieve(epochFileName(id))
		if err == nil && len(key) != KeySize {
			err = fmt.Errorf("epoch key %s has wrong size %d", EpochKeyID(id), len(key))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", EpochKeyID(id), err)
	}

	r.mu.Lock()
	r.cache[id] = key
	r.mu.Unlock()
	return key, nil
}

// Epochs returns every known epoch, oldest first.
func (r *KeyRing) Epochs() []Epoch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return nil
	}
	out := append([]Epoch(nil), r.state.Epochs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentEpoch returns the active epoch.
func (r *KeyRing) CurrentEpoch() (Epoch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil || r.state.Current == 0 {
		return Epoch{}, ErrNotInitialized
	}
	ep, _ := r.epochLocked(r.state.Current)
	return ep, nil
}

// Mode returns "random" or "passphrase".
func (r *KeyRing) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state == nil {
		return ""
	}
	return r.state.Mode
}

// Close zeros cached key material.
func (r *KeyRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.cache {
		ZeroBytes(b)
		delete(r.cache, id)
	}
	if r.master != nil {
		ZeroBytes(r.master)
		r.master = nil
	}
}
