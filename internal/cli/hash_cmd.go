// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// hash_cmd.go - Content hash of a single module.

package cli

import (
	"fmt"

	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/pipeline"
)

// HashData is the JSON data of the hash command.
type HashData struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	BuildID   string `json:"build_id"`
	Tag       string `json:"tag"`
	Hash      string `json:"hash"`
	Integrity string `json:"integrity"`
	CacheKey  string `json:"cache_key"`
}

// HandleHash handles "hash <file>". Hashes mix in the build ID, so the
// same source hashes differently across builds.
func HandleHash(args Args) error {
	p := args.Parser()
	file := p.Positional(0)
	if file == "" {
		return ErrMissingArgument("file", "termlimits hash <file> [--build-id ID]")
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	root := p.FlagAny("source", "s")
	if root == "" {
		root = e.cfg.Build.SourceRoot
	}
	resolver, err := e.resolver(root)
	if err != nil {
		return err
	}
	m, err := module.Load(root, file, e.discoverOptions(resolver))
	if err != nil {
		return err
	}

	buildID := p.Flag("build-id")
	if buildID == "" {
		buildID = e.cfg.Build.BuildID
	}
	gen := hashgen.New(e.cfg.Build.Tag, pipeline.ResolveBuildID(buildID))
	d := gen.Sum(m)

	data := HashData{
		ID:        m.ID,
		Level:     m.Level.String(),
		BuildID:   gen.BuildID,
		Tag:       gen.Tag,
		Hash:      d.Hex(),
		Integrity: d.SRI(),
		CacheKey:  d.CacheKey(),
	}
	if args.JSON {
		return emit("hash", data)
	}
	printField("Module", data.ID)
	printField("Level", RenderLevel(m.Level))
	printField("Build ID", data.BuildID)
	printField("Hash", data.Hash)
	printField("Integrity", data.Integrity)
	printField("Cache key", data.CacheKey)
	if buildID == "" {
		fmt.Fprintln(stdout, DimStyle.Render("No build ID set; a random one was used. Pass --build-id to reproduce."))
	}
	return nil
}
