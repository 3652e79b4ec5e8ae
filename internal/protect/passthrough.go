// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"context"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Passthrough emits the source unchanged.
type Passthrough struct{}

func (Passthrough) Name() string                { return StrategyPassthrough }
func (Passthrough) Level() classification.Level { return classification.Public }
func (Passthrough) Confidential() bool          { return false }
func (Passthrough) Extension() string           { return "" }

func (Passthrough) Protect(ctx context.Context, in Input) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Envelope{
		Version:  EnvelopeVersion,
		Strategy: StrategyPassthrough,
		Level:    in.Level,
		Payload:  append([]byte(nil), in.Source...),
	}, nil
}

func (Passthrough) Unprotect(ctx context.Context, env *Envelope, _ Binding) ([]byte, error) {
	if env.Strategy != StrategyPassthrough {
		return nil, ErrInvalidEnvelope
	}
	return append([]byte(nil), env.Payload...), nil
}
