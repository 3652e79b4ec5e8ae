// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"fmt"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Resolver decides module levels. Either field may be nil.
type Resolver struct {
	Declarations *Declarations
	Inferrer     *classification.Inferrer
}

// fallback returns the default level, letting the declaration file override config.
func (r *Resolver) fallback() classification.Level {
	if r.Declarations != nil && r.Declarations.Default != nil {
		return *r.Declarations.Default
	}
	if r.Inferrer != nil {
		return r.Inferrer.Fallback()
	}
	return classification.Public
}

// Resolve assigns Level and LevelSource: pragma, then declaration, then
// inference, then default.
func (r *Resolver) Resolve(m *Metadata) error {
	level, ok, err := ParsePragma(m.Source)
	if err != nil {
		return fmt.Errorf("module %s: %w", m.ID, err)
	}
	if ok {
		m.Level, m.LevelSource = level, SourcePragma
		return nil
	}

	if level, ok := r.Declarations.Lookup(m.ID); ok {
		m.Level, m.LevelSource = level, SourceDeclared
		return nil
	}

	if r.Inferrer != nil {
		if level, ok := r.Inferrer.Infer(m.ID); ok {
			m.Level, m.LevelSource = level, SourceInferred
			return nil
		}
	}

	m.Level, m.LevelSource = r.fallback(), SourceDefault
	return nil
}

// Infer resolves a module only when it carries no level yet. It is the
// build hook's fallback for metadata handed over without classification.
func (r *Resolver) Infer(m *Metadata) error {
	if m.Resolved() {
		return nil
	}
	return r.Resolve(m)
}
