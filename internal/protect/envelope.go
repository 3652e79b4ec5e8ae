// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"encoding/json"
	"fmt"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// EnvelopeVersion is the current envelope format.
const EnvelopeVersion = 1

// Envelope is a protected payload plus what is needed to reverse it.
// Passthrough envelopes are emitted as the raw payload; every other strategy
// is emitted as the JSON encoding of the envelope.
type Envelope struct {
	Version      int                  `json:"v"`
	Strategy     string               `json:"strategy"`
	Level        classification.Level `json:"level"`
	KeyID        string               `json:"key_id,omitempty"`
	Nonce        []byte               `json:"nonce,omitempty"`
	Payload      []byte               `json:"payload"`
	Confidential bool                 `json:"confidential"`
	// Permission is the session permission bound into the associated data
	Permission string `json:"permission,omitempty"`
}

// Artifact returns the bytes written to the output directory.
func (e *Envelope) Artifact() ([]byte, error) {
	if e.Strategy == StrategyPassthrough {
		return append([]byte(nil), e.Payload...), nil
	}
	return json.Marshal(e)
}

// ParseArtifact reverses Artifact for the named strategy.
func ParseArtifact(strategy string, level classification.Level, b []byte) (*Envelope, error) {
	if strategy == StrategyPassthrough {
		return &Envelope{
			Version:  EnvelopeVersion,
			Strategy: StrategyPassthrough,
			Level:    level,
			Payload:  append([]byte(nil), b...),
		}, nil
	}

	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if e.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidEnvelope, e.Version)
	}
	if e.Strategy != strategy {
		return nil, fmt.Errorf("%w: strategy %q, expected %q", ErrInvalidEnvelope, e.Strategy, strategy)
	}
	if e.Level != level {
		return nil, fmt.Errorf("%w: level %s, expected %s", ErrInvalidEnvelope, e.Level, level)
	}
	return &e, nil
}
