// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Obfuscate XORs the payload with a keystream derived from the module ID
// and build ID. It uses no secret: anyone who knows both can reverse it.
type Obfuscate struct{}

func (Obfuscate) Name() string                { return StrategyObfuscate }
func (Obfuscate) Level() classification.Level { return classification.Restricted }
func (Obfuscate) Confidential() bool          { return false }
func (Obfuscate) Extension() string           { return ".obf.json" }

func (Obfuscate) Protect(ctx context.Context, in Input) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:  EnvelopeVersion,
		Strategy: StrategyObfuscate,
		Level:    in.Level,
		Payload:  xorKeystream(in.ModuleID, in.BuildID, in.Source),
	}, nil
}

func (Obfuscate) Unprotect(ctx context.Context, env *Envelope, b Binding) ([]byte, error) {
	if env.Strategy != StrategyObfuscate {
		return nil, ErrInvalidEnvelope
	}
	return xorKeystream(b.ModuleID, b.BuildID, env.Payload), nil
}

// xorKeystream expands SHA-256(moduleID "|" buildID) in counter mode.
func xorKeystream(moduleID, buildID string, in []byte) []byte {
	seed := sha256.Sum256([]byte(moduleID + "|" + buildID))
	out := make([]byte, len(in))

	var block [sha256.Size + 8]byte
	copy(block[:], seed[:])
	for off, ctr := 0, uint64(0); off < len(in); ctr++ {
		binary.BigEndian.PutUint64(block[sha256.Size:], ctr)
		ks := sha256.Sum256(block[:])
		for i := 0; i < len(ks) && off < len(in); i, off = i+1, off+1 {
			out[off] = in[off] ^ ks[i]
		}
	}
	return out
}
