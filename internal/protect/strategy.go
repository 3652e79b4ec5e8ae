// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"context"
	"strconv"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Strategy names.
const (
	StrategyPassthrough = "passthrough"
	StrategyObfuscate   = "obfuscate"
	StrategyAESGCM      = "aes-256-gcm"
	StrategyXChaCha     = "xchacha20-poly1305-ctx"
)

// Input is a payload to protect.
type Input struct {
	ModuleID string
	Level    classification.Level
	BuildID  string
	Source   []byte
}

// Binding is what an unwrap caller proves about itself. ModuleID and BuildID
// come from the manifest entry being unwrapped, not from the envelope.
type Binding struct {
	ModuleID    string
	BuildID     string
	Permissions []string
	Clearance   classification.Level
}

// HasPermission reports whether p was granted.
func (b Binding) HasPermission(p string) bool {
	for _, have := range b.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Strategy protects and restores module payloads.
type Strategy interface {
	Name() string
	// Level is the level this strategy is the default for.
	Level() classification.Level
	// Confidential reports whether the output hides the payload from a
	// holder without keys.
	Confidential() bool
	// Extension is appended to the module ID to name the artifact.
	Extension() string
	Protect(ctx context.Context, in Input) (*Envelope, error)
	Unprotect(ctx context.Context, env *Envelope, b Binding) ([]byte, error)
}

// strength orders strategies for upgrade checks.
var strength = map[string]int{
	StrategyPassthrough: 0,
	StrategyObfuscate:   1,
	StrategyAESGCM:      2,
	StrategyXChaCha:     3,
}

// frame writes "<len>:<bytes>\n" for each field.
func frame(fields ...string) []byte {
	var out []byte
	for _, f := range fields {
		out = strconv.AppendInt(out, int64(len(f)), 10)
		out = append(out, ':')
		out = append(out, f...)
		out = append(out, '\n')
	}
	return out
}
