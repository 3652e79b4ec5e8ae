// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/cache"
	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// BuildIDEnvVar overrides the build ID when config leaves it empty.
const BuildIDEnvVar = "TERMLIMITS_BUILD_ID"

// PluginName is reported by Name.
const PluginName = "termlimits"

// ErrDuplicateModule is returned when two modules share an ID.
var ErrDuplicateModule = errors.New("duplicate module id")

// Artifact is the output of transforming one module.
type Artifact struct {
	ModuleID     string
	Level        classification.Level
	LevelSource  module.LevelSource
	Strategy     string
	Confidential bool
	// Path is relative to the output directory, slash-separated
	Path        string
	Bytes       []byte
	ContentHash string
	CacheKey    string
	Integrity   string
	Signature   string
	KeyID       string
	// Reused is set when the artifact came from the cache or a prior build
	Reused       bool
	Dependencies []string

	onDisk bool
}

// Entry converts the artifact into its manifest entry.
func (a *Artifact) Entry() manifest.Entry {
	return manifest.Entry{
		ID:           a.ModuleID,
		Level:        a.Level,
		LevelSource:  string(a.LevelSource),
		Strategy:     a.Strategy,
		Confidential: a.Confidential,
		ContentHash:  a.ContentHash,
		CacheKey:     a.CacheKey,
		ArtifactPath: a.Path,
		Integrity:    a.Integrity,
		Size:         int64(len(a.Bytes)),
		Signature:    a.Signature,
		KeyID:        a.KeyID,
		Dependencies: a.Dependencies,
	}
}

// Hook is what a bundler adapter calls per module.
type Hook interface {
	Name() string
	Transform(ctx context.Context, m *module.Metadata) (*Artifact, error)
}

// Options configures a Plugin.
type Options struct {
	OutDir       string
	BuildID      string
	Tag          string
	Concurrency  int
	ManifestName string

	// Keys must hold private halves for every level and the manifest role
	Keys *signing.KeySet
	// KeyRing supplies encryption keys; nil limits builds to PUBLIC and RESTRICTED
	KeyRing protect.KeySource
	// Registry overrides the default level -> strategy mapping
	Registry *protect.Registry
	Cache    cache.Cache
	// Resolver classifies modules that arrive without a level
	Resolver *module.Resolver
	Audit    audit.Recorder
	Logger   *zap.Logger
}

// OptionsFromConfig fills the build settings from config. Keys, KeyRing,
// Cache, and Resolver are left for the caller.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OutDir:       cfg.Build.OutDir,
		BuildID:      cfg.Build.BuildID,
		Tag:          cfg.Build.Tag,
		Concurrency:  cfg.Concurrency(),
		ManifestName: cfg.Build.ManifestName,
	}
}

// ResolveBuildID returns configured, else $TERMLIMITS_BUILD_ID, else a new UUID.
func ResolveBuildID(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv(BuildIDEnvVar); env != "" {
		return env
	}
	return uuid.NewString()
}

// Plugin implements Hook and runs whole builds.
type Plugin struct {
	opts     Options
	outDir   string
	buildID  string
	hasher   *hashgen.Generator
	registry *protect.Registry
	cache    cache.Cache
	resolver *module.Resolver
	audit    audit.Recorder
	logger   *zap.Logger
}

var _ Hook = (*Plugin)(nil)

// New validates opts and creates a Plugin.
func New(opts Options) (*Plugin, error) {
	if opts.OutDir == "" {
		return nil, fmt.Errorf("pipeline: output directory required")
	}
	if opts.Keys == nil || !opts.Keys.HasPrivate() {
		return nil, fmt.Errorf("pipeline: signing keys with private halves required: %w", signing.ErrNoKey)
	}
	outDir, err := filepath.Abs(opts.OutDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: output directory: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.ManifestName == "" {
		opts.ManifestName = "integrity-manifest.json"
	}

	p := &Plugin{
		opts:     opts,
		outDir:   outDir,
		buildID:  ResolveBuildID(opts.BuildID),
		registry: opts.Registry,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		audit:    opts.Audit,
		logger:   opts.Logger,
	}
	p.hasher = hashgen.New(opts.Tag, p.buildID)
	if p.registry == nil {
		p.registry = protect.NewRegistry(opts.KeyRing, protect.DefaultPermission)
	}
	if p.cache == nil {
		p.cache = cache.Nop{}
	}
	if p.resolver == nil {
		p.resolver = &module.Resolver{}
	}
	if p.audit == nil {
		p.audit = audit.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Name implements Hook.
func (p *Plugin) Name() string { return PluginName }

// BuildID returns the build ID recorded in hashes and the manifest.
func (p *Plugin) BuildID() string { return p.buildID }

// OutDir returns the absolute output directory.
func (p *Plugin) OutDir() string { return p.outDir }

// ManifestPath returns where Build writes the sealed manifest.
func (p *Plugin) ManifestPath() string {
	return filepath.Join(p.outDir, p.opts.ManifestName)
}

// Transform protects and signs one module without writing it.
func (p *Plugin) Transform(ctx context.Context, m *module.Metadata) (*Artifact, error) {
	return p.transform(ctx, m, nil)
}

func (p *Plugin) transform(ctx context.Context, m *module.Metadata, prev *manifest.Manifest) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil || m.ID == "" {
		return nil, fmt.Errorf("pipeline: module without id")
	}
	if err := p.resolver.Infer(m); err != nil {
		return nil, err
	}

	strategy := p.registry.For(m.Level)
	digest := p.hasher.Sum(m)
	art := &Artifact{
		ModuleID:     m.ID,
		Level:        m.Level,
		LevelSource:  m.LevelSource,
		Strategy:     strategy.Name(),
		Confidential: strategy.Confidential(),
		Path:         m.ID + strategy.Extension(),
		ContentHash:  digest.Hex(),
		CacheKey:     digest.CacheKey(),
		Dependencies: m.Dependencies,
	}

	if p.reuseFromPrevious(art, prev) || p.reuseFromCache(ctx, art) {
		art.Reused = true
		return art, nil
	}

	env, err := strategy.Protect(ctx, protect.Input{
		ModuleID: m.ID,
		Level:    m.Level,
		BuildID:  p.buildID,
		Source:   m.Source,
	})
	if err != nil {
		return nil, fmt.Errorf("protect %s: %w", m.ID, err)
	}
	if art.Bytes, err = env.Artifact(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.ID, err)
	}
	art.Integrity = hashgen.SumArtifact(art.Bytes)
	if err := p.sign(art); err != nil {
		return nil, err
	}

	if err := p.cache.Put(ctx, cache.Entry{
		CacheKey:    art.CacheKey,
		Strategy:    art.Strategy,
		ContentHash: art.ContentHash,
		Artifact:    art.Bytes,
		Integrity:   art.Integrity,
		Signature:   art.Signature,
		KeyID:       art.KeyID,
	}); err != nil {
		p.logger.Warn("Cache write failed", zap.String("module_id", m.ID), zap.Error(err))
	}
	return art, nil
}

func (p *Plugin) sign(art *Artifact) error {
	sig, keyID, err := p.opts.Keys.SignEntry(p.signingEntry(art))
	if err != nil {
		return fmt.Errorf("sign %s: %w", art.ModuleID, err)
	}
	art.Signature, art.KeyID = sig, keyID
	return nil
}

// reuseFromCache fills art from the cache when the entry is for the same
// content, encrypted under the current epoch, and signed by the current key.
func (p *Plugin) reuseFromCache(ctx context.Context, art *Artifact) bool {
	hit, err := p.cache.Get(ctx, art.CacheKey, art.Strategy)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			p.logger.Warn("Cache read failed", zap.String("module_id", art.ModuleID), zap.Error(err))
		}
		return false
	}
	if hit.ContentHash != art.ContentHash || hashgen.SumArtifact(hit.Artifact) != hit.Integrity {
		return false
	}
	if !p.currentEpoch(art, hit.Artifact) {
		return false
	}

	art.Bytes, art.Integrity = hit.Artifact, hit.Integrity
	if err := p.opts.Keys.VerifyEntry(p.signingEntry(art), hit.Signature, hit.KeyID); err != nil {
		// Level key rotated since caching; the payload is still good
		if err := p.sign(art); err != nil {
			return false
		}
	} else {
		art.Signature, art.KeyID = hit.Signature, hit.KeyID
	}
	return true
}

// reuseFromPrevious reuses an artifact emitted by an earlier build into the
// same output directory when its entry and bytes still verify.
func (p *Plugin) reuseFromPrevious(art *Artifact, prev *manifest.Manifest) bool {
	if prev == nil || prev.BuildID != p.buildID {
		return false
	}
	e, ok := prev.Get(art.ModuleID)
	if !ok || e.ContentHash != art.ContentHash || e.Strategy != art.Strategy || e.ArtifactPath != art.Path {
		return false
	}
	data, err := os.ReadFile(filepath.Join(p.outDir, filepath.FromSlash(e.ArtifactPath)))
	if err != nil || hashgen.SumArtifact(data) != e.Integrity {
		return false
	}
	if !p.currentEpoch(art, data) {
		return false
	}
	art.Bytes, art.Integrity = data, e.Integrity
	if err := p.opts.Keys.VerifyEntry(p.signingEntry(art), e.Signature, e.KeyID); err != nil {
		return false
	}
	art.Signature, art.KeyID = e.Signature, e.KeyID
	art.onDisk = true
	return true
}

// currentEpoch reports whether an encrypted artifact uses the key ring's
// current epoch. Unkeyed strategies always qualify.
func (p *Plugin) currentEpoch(art *Artifact, data []byte) bool {
	env, err := protect.ParseArtifact(art.Strategy, art.Level, data)
	if err != nil {
		return false
	}
	if env.KeyID == "" {
		return true
	}
	if p.opts.KeyRing == nil {
		return false
	}
	current, _, err := p.opts.KeyRing.Current()
	return err == nil && env.KeyID == current
}

func (p *Plugin) signingEntry(art *Artifact) signing.Entry {
	return signing.Entry{
		ModuleID:    art.ModuleID,
		Level:       art.Level,
		ContentHash: art.ContentHash,
		Integrity:   art.Integrity,
	}
}
