// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"sort"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// LevelSource records how a module's level was decided.
type LevelSource string

const (
	// SourceUnresolved marks metadata whose level has not been decided yet.
	SourceUnresolved LevelSource = ""
	// SourcePragma is an inline "@security-level" comment in the module.
	SourcePragma LevelSource = "pragma"
	// SourceDeclared is an entry in the declaration file.
	SourceDeclared LevelSource = "declared"
	// SourceInferred is a configured rule or naming marker.
	SourceInferred LevelSource = "inferred"
	// SourceDefault is the configured fallback level.
	SourceDefault LevelSource = "default"
)

// Metadata describes one frontend module.
type Metadata struct {
	// ID is the slash-separated path relative to the source root
	ID          string               `json:"id"`
	Level       classification.Level `json:"level"`
	LevelSource LevelSource          `json:"level_source"`
	// Dependencies holds resolved module IDs and bare package specifiers
	Dependencies []string `json:"dependencies,omitempty"`
	Source       []byte   `json:"-"`
	// Path is the file on disk (empty for in-memory modules)
	Path string `json:"path,omitempty"`
}

// Resolved reports whether a level has been assigned.
func (m *Metadata) Resolved() bool {
	return m.LevelSource != SourceUnresolved
}

// SortByID orders modules by ID in place.
func SortByID(mods []*Metadata) {
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
}
