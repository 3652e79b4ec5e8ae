// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hashgen computes deterministic content hashes for modules.
//
// The hash covers a fixed tag, the module ID, its level, its source, the
// build ID and the set of dependencies. Every field is length-prefixed
// ("<len>:<bytes>\n") so that no two distinct inputs share an encoding.
// Dependencies are de-duplicated and sorted first, so their order in the
// source never changes the result.
package hashgen

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"

	"github.com/TheMapleseed/Term-Limits/internal/module"
)

// DefaultTag is the tag used when none is configured.
const DefaultTag = "termlimits-v1"

// cacheKeyHexLen is how many hex digits of the digest appear in a cache key.
const cacheKeyHexLen = 16

// ErrBadSRI is returned when an integrity string cannot be parsed.
var ErrBadSRI = errors.New("malformed integrity string")

// Digest is a SHA-256 content hash.
type Digest struct {
	sum [sha256.Size]byte
	tag string
}

// Hex returns the lowercase hex digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.sum[:])
}

// SRI returns the Subresource Integrity form ("sha256-<base64>").
func (d Digest) SRI() string {
	return "sha256-" + base64.StdEncoding.EncodeToString(d.sum[:])
}

// CacheKey returns "<tag>-<first 16 hex digits>".
func (d Digest) CacheKey() string {
	return d.tag + "-" + d.Hex()[:cacheKeyHexLen]
}

// Bytes returns a copy of the raw digest.
func (d Digest) Bytes() []byte {
	out := make([]byte, sha256.Size)
	copy(out, d.sum[:])
	return out
}

// Equal reports whether two digests are identical.
func (d Digest) Equal(o Digest) bool {
	return d.sum == o.sum
}

// Generator hashes modules for one build.
type Generator struct {
	Tag     string
	BuildID string
}

// New creates a Generator. An empty tag uses DefaultTag.
func New(tag, buildID string) *Generator {
	if tag == "" {
		tag = DefaultTag
	}
	return &Generator{Tag: tag, BuildID: buildID}
}

// Sum hashes a module's metadata.
func (g *Generator) Sum(m *module.Metadata) Digest {
	h := sha256.New()
	writeField(h, g.Tag)
	writeField(h, m.ID)
	writeField(h, m.Level.String())
	writeBytes(h, m.Source)
	writeField(h, g.BuildID)

	deps := uniqueSorted(m.Dependencies)
	h.Write([]byte("deps:" + strconv.Itoa(len(deps)) + "\n"))
	for _, dep := range deps {
		writeField(h, dep)
	}

	var d Digest
	copy(d.sum[:], h.Sum(nil))
	d.tag = g.Tag
	return d
}

func writeField(h hash.Hash, s string) {
	writeBytes(h, []byte(s))
}

func writeBytes(h hash.Hash, b []byte) {
	h.Write([]byte(strconv.Itoa(len(b))))
	h.Write([]byte{':'})
	h.Write(b)
	h.Write([]byte{'\n'})
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// SumArtifact returns the SRI string of emitted artifact bytes.
func SumArtifact(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
}

// ParseSRI decodes a "sha256-<base64>" integrity string.
func ParseSRI(s string) ([]byte, error) {
	algo, b64, ok := strings.Cut(s, "-")
	if !ok || algo != "sha256" {
		return nil, fmt.Errorf("%w: %q", ErrBadSRI, s)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("%w: %q", ErrBadSRI, s)
	}
	return raw, nil
}
