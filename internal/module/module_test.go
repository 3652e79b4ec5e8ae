// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestExtractDependencies(t *testing.T) {
	src := `
import React from "react";
import { a,
  b } from './util/helpers.js';
import './styles.css';
export * from "../shared/index.js";
const lazy = () => import("./lazy.js");
const fs = require('fs');
const again = require("react");
`
	deps := ExtractDependencies("app/main.js", []byte(src))
	assert.Equal(t, []string{
		"app/lazy.js",
		"app/styles.css",
		"app/util/helpers.js",
		"fs",
		"react",
		"shared/index.js",
	}, deps)
}

func TestExtractDependencies_CSS(t *testing.T) {
	src := `@import "./base.css";
@import url('theme/dark.css');
body { color: red; }`
	deps := ExtractDependencies("styles/app.css", []byte(src))
	assert.Equal(t, []string{"styles/base.css", "theme/dark.css"}, deps)
}

func TestResolveSpecifier(t *testing.T) {
	assert.Equal(t, "a/b.js", ResolveSpecifier("a/c.js", "./b.js"))
	assert.Equal(t, "b.js", ResolveSpecifier("a/c.js", "../b.js"))
	assert.Equal(t, "", ResolveSpecifier("c.js", "../escape.js"))
	assert.Equal(t, "lodash/fp", ResolveSpecifier("c.js", "lodash/fp"))
	assert.Equal(t, "", ResolveSpecifier("c.js", "  "))
}

func TestParsePragma(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		want  classification.Level
		found bool
	}{
		{"line comment", "// @security-level CONFIDENTIAL\nexport {}", classification.Confidential, true},
		{"block comment", "/* @security-level top-secret */\n", classification.TopSecret, true},
		{"jsdoc star", "/**\n * @security-level: restricted\n */", classification.Restricted, true},
		{"line five", "\n\n\n\n// @security-level RESTRICTED", classification.Restricted, true},
		{"line six ignored", "\n\n\n\n\n// @security-level RESTRICTED", classification.Public, false},
		{"no pragma", "const a = 1;", classification.Public, false},
		{"not a comment", `const s = "@security-level TOP_SECRET";`, classification.Public, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := ParsePragma([]byte(tt.src))
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := ParsePragma([]byte("// @security-level ULTRA"))
	assert.ErrorIs(t, err, classification.ErrUnknownLevel)
}

func TestParseDeclarations_YAML(t *testing.T) {
	d, err := ParseDeclarations([]byte(`
version: 1
default: restricted
modules:
  - match: admin/**
    level: CONFIDENTIAL
  - match: admin/public-banner.js
    level: PUBLIC
  - match: "*.vault.js"
    level: TOP_SECRET
`), "yaml")
	require.NoError(t, err)
	require.NotNil(t, d.Default)
	assert.Equal(t, classification.Restricted, *d.Default)

	l, ok := d.Lookup("admin/users.js")
	assert.True(t, ok)
	assert.Equal(t, classification.Confidential, l)

	// Exact IDs beat earlier globs
	l, ok = d.Lookup("admin/public-banner.js")
	assert.True(t, ok)
	assert.Equal(t, classification.Public, l)

	l, ok = d.Lookup("lib/keys.vault.js")
	assert.True(t, ok)
	assert.Equal(t, classification.TopSecret, l)

	_, ok = d.Lookup("home.js")
	assert.False(t, ok)
}

func TestParseDeclarations_JSON(t *testing.T) {
	d, err := ParseDeclarations([]byte(`{"modules":[{"match":"billing/*.js","level":"CONFIDENTIAL"}]}`), "json")
	require.NoError(t, err)
	l, ok := d.Lookup("billing/pay.js")
	assert.True(t, ok)
	assert.Equal(t, classification.Confidential, l)
}

func TestParseDeclarations_SchemaViolations(t *testing.T) {
	bad := map[string]string{
		"missing modules": `version: 1`,
		"unknown level":   "modules:\n  - match: a.js\n    level: ULTRA\n",
		"extra field":     "modules:\n  - match: a.js\n    level: PUBLIC\n    owner: bob\n",
		"empty match":     "modules:\n  - match: \"\"\n    level: PUBLIC\n",
		"duplicate exact": "modules:\n  - match: a.js\n    level: PUBLIC\n  - match: ./a.js\n    level: RESTRICTED\n",
		"bad version":     "version: 2\nmodules: []\n",
		"not yaml":        "modules: [",
	}
	for name, src := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDeclarations([]byte(src), "yaml")
			assert.ErrorIs(t, err, ErrInvalidDeclarations)
		})
	}
}

func TestLoadDeclarations_Missing(t *testing.T) {
	_, err := LoadDeclarations(filepath.Join(t.TempDir(), "security.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolver_Order(t *testing.T) {
	d, err := ParseDeclarations([]byte("modules:\n  - match: admin/**\n    level: CONFIDENTIAL\n"), "yaml")
	require.NoError(t, err)
	r := &Resolver{
		Declarations: d,
		Inferrer:     classification.NewInferrer(classification.Public),
	}

	tests := []struct {
		name   string
		meta   Metadata
		level  classification.Level
		source LevelSource
	}{
		{
			name:   "pragma beats declaration",
			meta:   Metadata{ID: "admin/x.js", Source: []byte("// @security-level TOP_SECRET\n")},
			level:  classification.TopSecret,
			source: SourcePragma,
		},
		{
			name:   "declaration beats inference",
			meta:   Metadata{ID: "admin/auth/x.js"},
			level:  classification.Confidential,
			source: SourceDeclared,
		},
		{
			name:   "inference from markers",
			meta:   Metadata{ID: "lib/auth/login.js"},
			level:  classification.Restricted,
			source: SourceInferred,
		},
		{
			name:   "default",
			meta:   Metadata{ID: "home.js"},
			level:  classification.Public,
			source: SourceDefault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.meta
			require.NoError(t, r.Resolve(&m))
			assert.Equal(t, tt.level, m.Level)
			assert.Equal(t, tt.source, m.LevelSource)
		})
	}
}

func TestResolver_InferKeepsResolved(t *testing.T) {
	r := &Resolver{Inferrer: classification.NewInferrer(classification.Public)}
	m := &Metadata{ID: "admin/x.js", Level: classification.Restricted, LevelSource: SourceDeclared}
	require.NoError(t, r.Infer(m))
	assert.Equal(t, classification.Restricted, m.Level)

	m = &Metadata{ID: "admin/x.js"}
	require.NoError(t, r.Infer(m))
	assert.Equal(t, classification.Confidential, m.Level)
	assert.Equal(t, SourceInferred, m.LevelSource)
}

func TestResolver_DeclarationDefault(t *testing.T) {
	d, err := ParseDeclarations([]byte("default: RESTRICTED\nmodules: []\n"), "yaml")
	require.NoError(t, err)
	r := &Resolver{Declarations: d, Inferrer: classification.NewInferrer(classification.Public)}

	m := &Metadata{ID: "home.js"}
	require.NoError(t, r.Resolve(m))
	assert.Equal(t, classification.Restricted, m.Level)
	assert.Equal(t, SourceDefault, m.LevelSource)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.js", `import "./admin/panel.js";`)
	writeFile(t, root, "admin/panel.js", "export const x = 1;")
	writeFile(t, root, "styles/app.css", "body {}")
	writeFile(t, root, "README.md", "# docs")
	writeFile(t, root, "node_modules/react/index.js", "module.exports = {}")
	writeFile(t, root, ".cache/x.js", "")
	writeFile(t, root, "dist/main.js", "")

	opts := Options{
		Extensions: []string{".js", ".css"},
		Exclude:    []string{"node_modules"},
		OutDir:     filepath.Join(root, "dist"),
		Resolver:   &Resolver{Inferrer: classification.NewInferrer(classification.Public)},
	}
	mods, err := Discover(context.Background(), root, opts)
	require.NoError(t, err)

	ids := make([]string, 0, len(mods))
	for _, m := range mods {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"admin/panel.js", "main.js", "styles/app.css"}, ids)
	assert.Equal(t, classification.Confidential, mods[0].Level)
	assert.Equal(t, []string{"admin/panel.js"}, mods[1].Dependencies)
}

func TestDiscover_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.js", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Discover(ctx, root, Options{Extensions: []string{".js"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscover_NotADirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.js", "")
	_, err := Discover(context.Background(), filepath.Join(root, "a.js"), Options{})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "lib/billing/pay.js", "require('./card.js')")

	m, err := Load(root, filepath.Join(root, "lib/billing/pay.js"), Options{
		Extensions: []string{".js"},
		Resolver:   &Resolver{Inferrer: classification.NewInferrer(classification.Public)},
	})
	require.NoError(t, err)
	assert.Equal(t, "lib/billing/pay.js", m.ID)
	assert.Equal(t, classification.Confidential, m.Level)
	assert.Equal(t, []string{"lib/billing/card.js"}, m.Dependencies)

	_, err = Load(root, filepath.Join(root, "notes.txt"), Options{Extensions: []string{".js"}})
	assert.ErrorIs(t, err, ErrNotModule)
}
