// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// classify_cmd.go - Module classification report and level listing.
//
// Command: classify [path...]
// Short:   Show the security level of each module and where it came from
//
// Level sources, highest precedence first:
//   pragma      "// @security-level: CONFIDENTIAL" in the first lines
//   declared    entry in the declaration file (levels.declaration_file)
//   inferred    levels.rules glob or a naming marker (.secret., .internal.)
//   default     levels.default
//
// Examples:
//   termlimits classify                       Every module under the source root
//   termlimits classify src/billing           Modules below a directory
//   termlimits classify src/app.js --json     One module, JSON output
//
// Command: levels
// Short:   List security levels with their protection strategy

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// ClassifyData is the JSON data of the classify command.
type ClassifyData struct {
	Root    string           `json:"root"`
	Modules []ClassifyModule `json:"modules"`
	ByLevel map[string]int   `json:"by_level"`
}

// ClassifyModule is one classified module.
type ClassifyModule struct {
	ID           string   `json:"id"`
	Level        string   `json:"level"`
	LevelSource  string   `json:"level_source"`
	Strategy     string   `json:"strategy"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// HandleClassify handles "classify [path...]".
func HandleClassify(ctx context.Context, args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	p := args.Parser()
	root := p.FlagAny("source", "s")
	if root == "" {
		root = e.cfg.Build.SourceRoot
	}
	resolver, err := e.resolver(root)
	if err != nil {
		return err
	}
	registry, err := e.registry(nil)
	if err != nil {
		return err
	}
	opts := e.discoverOptions(resolver)

	mods, err := classifyTargets(ctx, root, p.PositionalFrom(0), opts)
	if err != nil {
		return err
	}

	data := ClassifyData{Root: root, ByLevel: make(map[string]int), Modules: make([]ClassifyModule, 0, len(mods))}
	for _, m := range mods {
		data.ByLevel[m.Level.String()]++
		data.Modules = append(data.Modules, ClassifyModule{
			ID:           m.ID,
			Level:        m.Level.String(),
			LevelSource:  string(m.LevelSource),
			Strategy:     registry.For(m.Level).Name(),
			Dependencies: m.Dependencies,
		})
	}

	if args.JSON {
		return emit("classify", data)
	}
	t := newTable("MODULE", "LEVEL", "SOURCE", "STRATEGY", "DEPS")
	for _, m := range data.Modules {
		t.add(m.ID, m.Level, m.LevelSource, m.Strategy, strconv.Itoa(len(m.Dependencies)))
	}
	t.print()
	printLevelCounts(data.ByLevel)
	return nil
}

// classifyTargets discovers the modules named by paths. Files are loaded
// directly, directories filter the full discovery by ID prefix, and no
// paths means the whole source root.
func classifyTargets(ctx context.Context, root string, paths []string, opts module.Options) ([]*module.Metadata, error) {
	if len(paths) == 0 {
		return module.Discover(ctx, root, opts)
	}

	var all []*module.Metadata
	var out []*module.Metadata
	seen := make(map[string]bool)
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, NewNotFoundError("path", path)
		}
		if !info.IsDir() {
			m, err := module.Load(root, path, opts)
			if err != nil {
				return nil, err
			}
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
			continue
		}

		if all == nil {
			if all, err = module.Discover(ctx, root, opts); err != nil {
				return nil, err
			}
		}
		prefix, err := dirPrefix(root, path)
		if err != nil {
			return nil, err
		}
		for _, m := range all {
			if (prefix == "" || strings.HasPrefix(m.ID, prefix)) && !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	module.SortByID(out)
	return out, nil
}

// dirPrefix returns the module ID prefix for a directory under root.
func dirPrefix(root, dir string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if absDir == absRoot {
		return "", nil
	}
	id, err := module.IDFor(absRoot, absDir)
	if err != nil {
		return "", NewValidationError("path", dir, "outside the source root")
	}
	return id + "/", nil
}

func printLevelCounts(byLevel map[string]int) {
	var parts []string
	for _, l := range classification.All() {
		if n := byLevel[l.String()]; n > 0 {
			parts = append(parts, RenderLevel(l)+" "+strconv.Itoa(n))
		}
	}
	if len(parts) > 0 {
		printField("Total", strings.Join(parts, "  "))
	}
}

// LevelData describes one level for the levels command.
type LevelData struct {
	Level        string `json:"level"`
	Strategy     string `json:"strategy"`
	Confidential bool   `json:"confidential"`
	Default      bool   `json:"default"`
}

// HandleLevels handles "levels".
func HandleLevels(args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	registry, err := e.registry(nil)
	if err != nil {
		return err
	}
	inf, err := e.cfg.Inferrer()
	if err != nil {
		return err
	}

	var levels []LevelData
	for _, l := range classification.All() {
		s := registry.For(l)
		levels = append(levels, LevelData{
			Level:        l.String(),
			Strategy:     s.Name(),
			Confidential: s.Confidential(),
			Default:      l == inf.Fallback(),
		})
	}
	if args.JSON {
		return emit("levels", levels)
	}

	t := newTable("LEVEL", "STRATEGY", "CONFIDENTIAL", "")
	for _, d := range levels {
		mark := ""
		if d.Default {
			mark = "(default)"
		}
		t.add(d.Level, d.Strategy, strconv.FormatBool(d.Confidential), mark)
	}
	t.print()
	return nil
}
