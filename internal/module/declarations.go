// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/util"
)

//go:embed schema/declarations.schema.json
var declarationsSchemaJSON []byte

// ErrInvalidDeclarations is returned when a declaration file fails schema validation.
var ErrInvalidDeclarations = errors.New("invalid declaration file")

const declarationsSchemaName = "declarations.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func declarationsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(declarationsSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema json: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(declarationsSchemaName, doc); err != nil {
			schemaErr = fmt.Errorf("add resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(declarationsSchemaName)
	})
	return compiledSchema, schemaErr
}

// Declaration maps a module ID or glob to a level.
type Declaration struct {
	Match string               `yaml:"match" json:"match"`
	Level classification.Level `yaml:"level" json:"level"`
}

// Declarations is a parsed security.yaml / security.json file.
//
//	version: 1
//	default: PUBLIC
//	modules:
//	  - match: src/admin/**
//	    level: CONFIDENTIAL
//	  - match: src/vault.js
//	    level: TOP_SECRET
type Declarations struct {
	Version int
	// Default overrides levels.default when set
	Default *classification.Level
	Entries []Declaration

	exact map[string]classification.Level
}

type rawDeclarations struct {
	Version int    `yaml:"version" json:"version"`
	Default string `yaml:"default" json:"default"`
	Modules []struct {
		Match string `yaml:"match" json:"match"`
		Level string `yaml:"level" json:"level"`
	} `yaml:"modules" json:"modules"`
}

// LoadDeclarations reads and validates a declaration file. The format is
// chosen by extension (.json, otherwise YAML). A missing file returns an
// error satisfying errors.Is(err, os.ErrNotExist).
func LoadDeclarations(path string) (*Declarations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	d, err := ParseDeclarations(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// ParseDeclarations decodes and validates declaration content.
func ParseDeclarations(data []byte, format string) (*Declarations, error) {
	var doc any
	switch format {
	case "json":
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
		}
		doc = v
	case "yaml", "yml":
		var y any
		if err := yaml.Unmarshal(data, &y); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
		}
		// Round-trip through JSON so the schema sees JSON value types
		b, err := json.Marshal(y)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
		}
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
		}
		doc = v
	default:
		return nil, fmt.Errorf("unsupported declaration format %q", format)
	}

	schema, err := declarationsSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
	}

	var raw rawDeclarations
	if format == "json" {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeclarations, err)
	}

	d := &Declarations{
		Version: raw.Version,
		exact:   make(map[string]classification.Level),
	}
	if raw.Default != "" {
		l, err := classification.Parse(raw.Default)
		if err != nil {
			return nil, fmt.Errorf("%w: default: %v", ErrInvalidDeclarations, err)
		}
		d.Default = &l
	}
	for i, m := range raw.Modules {
		l, err := classification.Parse(m.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: modules[%d]: %v", ErrInvalidDeclarations, i, err)
		}
		match := m.Match
		if !strings.ContainsAny(match, "*?[") {
			match = util.NormalizeID(match)
			if _, dup := d.exact[match]; dup {
				return nil, fmt.Errorf("%w: modules[%d]: %q declared twice", ErrInvalidDeclarations, i, match)
			}
			d.exact[match] = l
		}
		d.Entries = append(d.Entries, Declaration{Match: match, Level: l})
	}
	return d, nil
}

// Lookup returns the declared level for a module ID. Exact IDs take
// precedence over globs; globs are tried in file order.
func (d *Declarations) Lookup(id string) (classification.Level, bool) {
	if d == nil {
		return classification.Public, false
	}
	if l, ok := d.exact[id]; ok {
		return l, true
	}
	for _, e := range d.Entries {
		if _, isExact := d.exact[e.Match]; isExact {
			continue
		}
		if classification.MatchPattern(e.Match, id) {
			return e.Level, true
		}
	}
	return classification.Public, false
}
