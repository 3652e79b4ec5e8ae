// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// build_cmd.go - The build command and the pipeline setup it shares with
// watch and serve --watch.

package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/cache"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/pipeline"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// buildBoolFlags are the boolean flags of build, watch and serve.
var buildBoolFlags = []string{"no-cache", "ephemeral-keys", "watch"}

// BuildData is the JSON data of the build command.
type BuildData struct {
	BuildID      string            `json:"build_id"`
	ManifestPath string            `json:"manifest_path"`
	Modules      int               `json:"modules"`
	Protected    int               `json:"protected"`
	Reused       int               `json:"reused"`
	Removed      []string          `json:"removed,omitempty"`
	ByLevel      map[string]int    `json:"by_level"`
	KeyEpoch     string            `json:"key_epoch,omitempty"`
	Ephemeral    bool              `json:"ephemeral_keys,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	Artifacts    []BuildArtifact   `json:"artifacts"`
	Changes      *manifest.Changes `json:"changes,omitempty"`
}

// BuildArtifact is one emitted module in BuildData.
type BuildArtifact struct {
	ID           string `json:"id"`
	Level        string `json:"level"`
	LevelSource  string `json:"level_source"`
	Strategy     string `json:"strategy"`
	Confidential bool   `json:"confidential"`
	Path         string `json:"path"`
	Reused       bool   `json:"reused"`
}

// buildSetup is a configured pipeline plus what it needs at run time.
type buildSetup struct {
	plugin    *pipeline.Plugin
	keys      *signing.KeySet
	ring      *protect.KeyRing
	root      string
	discover  module.Options
	ephemeral bool
	epoch     string
}

// newBuildSetup applies the build flags to the config and wires the
// pipeline: signing keys, key ring, strategy registry, cache and resolver.
func newBuildSetup(e *env, p *ArgParser) (*buildSetup, error) {
	cfg := e.cfg
	if v := p.FlagAny("source", "s"); v != "" {
		cfg.Build.SourceRoot = v
	}
	if v := p.FlagAny("out", "o"); v != "" {
		cfg.Build.OutDir = v
	}
	if v := p.Flag("build-id"); v != "" {
		cfg.Build.BuildID = v
	}
	if p.BoolFlag("no-cache") {
		cfg.Build.CachePath = ""
	}
	if _, err := os.Stat(cfg.Build.SourceRoot); err != nil {
		return nil, NewNotFoundError("source root", cfg.Build.SourceRoot)
	}

	s := &buildSetup{root: cfg.Build.SourceRoot, ephemeral: p.BoolFlag("ephemeral-keys")}

	var ring *protect.KeyRing
	var err error
	if s.ephemeral {
		e.logger.Warn("Using ephemeral keys; artifacts cannot be verified or unwrapped after this process exits")
		if s.keys, err = signing.Generate(); err != nil {
			return nil, err
		}
		if ring, err = protect.OpenKeyRing(protect.NewMemoryKeyStore(), protect.RingOptions{}); err != nil {
			return nil, err
		}
		if _, err := ring.Init(); err != nil {
			return nil, err
		}
	} else {
		if s.keys, err = e.signingKeys(); err != nil {
			return nil, err
		}
		if !s.keys.HasPrivate() {
			return nil, fmt.Errorf("signing keys in %s are public only: %w", cfg.Signing.KeyDir, signing.ErrNoKey)
		}
		if ring, err = e.keyRing(); err != nil {
			return nil, err
		}
		if err := rotateIfDue(e, ring); err != nil {
			return nil, err
		}
	}
	s.ring = ring
	if ep, err := ring.CurrentEpoch(); err == nil {
		s.epoch = ep.KeyID()
	}

	registry, err := e.registry(ring)
	if err != nil {
		return nil, err
	}
	resolver, err := e.resolver(s.root)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(cfg.Build.CachePath)
	if err != nil {
		return nil, err
	}
	e.onClose(func() { _ = c.Close() })

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Keys = s.keys
	opts.KeyRing = ring
	opts.Registry = registry
	opts.Cache = c
	opts.Resolver = resolver
	opts.Audit = e.audit
	opts.Logger = e.logger
	if s.plugin, err = pipeline.New(opts); err != nil {
		return nil, err
	}
	s.discover = e.discoverOptions(resolver)
	return s, nil
}

// rotateIfDue starts a new epoch when the current one has expired. An
// uninitialized ring is left alone; builds then stop at the first
// CONFIDENTIAL module.
func rotateIfDue(e *env, ring *protect.KeyRing) error {
	if !ring.Initialized() {
		e.logger.Warn("Key ring not initialized; CONFIDENTIAL and TOP_SECRET modules cannot be built",
			zap.String("key_dir", e.cfg.Protection.KeyDir))
		return nil
	}
	ep, rotated, err := ring.RotateIfDue()
	if err != nil {
		return fmt.Errorf("rotate key ring: %w", err)
	}
	if rotated {
		e.logger.Info("Key epoch rotated", zap.String("key_id", ep.KeyID()))
		e.record(audit.Event{
			EventType: audit.EventKeyRotated,
			Success:   true,
			Detail:    "rotation interval elapsed",
			Metadata:  map[string]string{"key_id": ep.KeyID()},
		})
	}
	return nil
}

// run discovers every module and builds against the previous manifest.
// It returns the result and that previous manifest (nil for a clean build).
func (s *buildSetup) run(ctx context.Context, e *env) (*pipeline.Result, *manifest.Manifest, error) {
	mods, err := module.Discover(ctx, s.root, s.discover)
	if err != nil {
		return nil, nil, err
	}
	prev := s.plugin.PreviousManifest()
	res, err := s.plugin.Rebuild(ctx, mods, prev)
	if err != nil {
		return nil, nil, err
	}
	return res, prev, nil
}

// HandleBuild handles "build".
func HandleBuild(ctx context.Context, args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	s, err := newBuildSetup(e, args.Parser(buildBoolFlags...))
	if err != nil {
		return err
	}

	res, prev, err := s.run(ctx, e)
	if err != nil {
		return err
	}

	data := buildData(res, s)
	if prev != nil {
		changes := manifest.Diff(prev, res.Manifest.Manifest)
		data.Changes = &changes
	}
	if args.JSON {
		return emit("build", data)
	}
	printBuild(data)
	return nil
}

func buildData(res *pipeline.Result, s *buildSetup) BuildData {
	data := BuildData{
		BuildID:      res.BuildID,
		ManifestPath: res.ManifestPath,
		Modules:      len(res.Artifacts),
		Protected:    res.Protected,
		Reused:       res.Reused,
		Removed:      res.Removed,
		ByLevel:      make(map[string]int),
		KeyEpoch:     s.epoch,
		Ephemeral:    s.ephemeral,
		DurationMs:   res.Duration.Milliseconds(),
		Artifacts:    make([]BuildArtifact, 0, len(res.Artifacts)),
	}
	for _, a := range res.Artifacts {
		data.ByLevel[a.Level.String()]++
		data.Artifacts = append(data.Artifacts, BuildArtifact{
			ID:           a.ModuleID,
			Level:        a.Level.String(),
			LevelSource:  string(a.LevelSource),
			Strategy:     a.Strategy,
			Confidential: a.Confidential,
			Path:         a.Path,
			Reused:       a.Reused,
		})
	}
	return data
}

func printBuild(d BuildData) {
	fmt.Fprintln(stdout, TitleStyle.Render("termlimits build"))
	printField("Build ID", d.BuildID)
	printField("Manifest", d.ManifestPath)
	printField("Modules", strconv.Itoa(d.Modules))
	printField("Protected", strconv.Itoa(d.Protected))
	printField("Reused", strconv.Itoa(d.Reused))
	if d.KeyEpoch != "" {
		printField("Key epoch", d.KeyEpoch)
	}
	printField("Duration", formatDurationShort(time.Duration(d.DurationMs)*time.Millisecond))
	fmt.Fprintln(stdout)

	t := newTable("MODULE", "LEVEL", "SOURCE", "STRATEGY", "STATUS")
	for _, a := range d.Artifacts {
		status := "protected"
		if a.Reused {
			status = "reused"
		}
		strategy := a.Strategy
		if !a.Confidential && a.Strategy == protect.StrategyObfuscate {
			strategy += " (not confidential)"
		}
		t.add(a.ID, a.Level, a.LevelSource, strategy, status)
	}
	t.print()

	for _, l := range classification.All() {
		if n := d.ByLevel[l.String()]; n > 0 {
			fmt.Fprintf(stdout, "  %s %d\n", RenderLevel(l), n)
		}
	}
	if len(d.Removed) > 0 {
		fmt.Fprintf(stdout, "%s removed %d stale artifact(s)\n", RenderStatus("warn"), len(d.Removed))
	}
	if d.Changes != nil && !d.Changes.Empty() {
		fmt.Fprintf(stdout, "Changes: +%d -%d ~%d\n", len(d.Changes.Added), len(d.Changes.Removed), len(d.Changes.Changed))
	}
	if d.Ephemeral {
		fmt.Fprintln(stdout, WarningStyle.Render("Ephemeral keys: this output cannot be verified later."))
	}
}
