// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// Result describes a completed build.
type Result struct {
	BuildID      string
	ManifestPath string
	Manifest     *manifest.SignedManifest
	// Artifacts are sorted by module ID
	Artifacts []*Artifact
	Protected int
	Reused    int
	// Removed lists artifacts of the previous build that were deleted
	Removed  []string
	Duration time.Duration
}

// Build transforms every module, writes the artifacts, and seals the
// manifest. Artifacts from an earlier build in the same output directory
// are reused when unchanged, and those of vanished modules are deleted.
func (p *Plugin) Build(ctx context.Context, mods []*module.Metadata) (*Result, error) {
	return p.Rebuild(ctx, mods, p.PreviousManifest())
}

// PreviousManifest returns the manifest of the last build in the output
// directory, or nil when there is none or its seal does not verify. A
// tampered or unsigned manifest is recorded as MANIFEST_TAMPERED.
func (p *Plugin) PreviousManifest() *manifest.Manifest {
	path := p.ManifestPath()
	sm, err := manifest.LoadVerified(path, p.opts.Keys.Manifest.Public)
	switch {
	case err == nil:
		return sm.Manifest
	case errors.Is(err, os.ErrNotExist):
		return nil
	}
	p.logger.Warn("Ignoring previous manifest", zap.String("path", path), zap.Error(err))
	if errors.Is(err, manifest.ErrTampered) || errors.Is(err, manifest.ErrUnsigned) {
		p.record(audit.Event{
			EventType: audit.EventManifestTampered,
			Detail:    err.Error(),
			Metadata:  map[string]string{"path": path, "build_id": p.buildID},
		})
	}
	return nil
}

// Rebuild is Build against an explicit previous manifest (nil for a clean build).
func (p *Plugin) Rebuild(ctx context.Context, mods []*module.Metadata, prev *manifest.Manifest) (*Result, error) {
	start := time.Now()
	if err := checkUnique(mods); err != nil {
		return nil, err
	}

	p.record(audit.Event{
		EventType: audit.EventBuildStart,
		Success:   true,
		Metadata: map[string]string{
			"build_id": p.buildID,
			"modules":  strconv.Itoa(len(mods)),
		},
	})
	p.logger.Info("Build started",
		zap.String("build_id", p.buildID),
		zap.Int("modules", len(mods)),
		zap.Int("concurrency", p.opts.Concurrency))

	res, err := p.run(ctx, mods, prev)
	if err != nil {
		p.record(audit.Event{
			EventType: audit.EventBuildComplete,
			Success:   false,
			Detail:    err.Error(),
			Metadata:  map[string]string{"build_id": p.buildID},
		})
		p.logger.Error("Build failed", zap.String("build_id", p.buildID), zap.Error(err))
		return nil, err
	}
	res.Duration = time.Since(start)

	p.record(audit.Event{
		EventType: audit.EventBuildComplete,
		Success:   true,
		Metadata: map[string]string{
			"build_id":  p.buildID,
			"protected": strconv.Itoa(res.Protected),
			"reused":    strconv.Itoa(res.Reused),
			"manifest":  res.ManifestPath,
		},
	})
	p.logger.Info("Build complete",
		zap.String("build_id", p.buildID),
		zap.Int("protected", res.Protected),
		zap.Int("reused", res.Reused),
		zap.Int("removed", len(res.Removed)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func (p *Plugin) run(ctx context.Context, mods []*module.Metadata, prev *manifest.Manifest) (*Result, error) {
	if err := os.MkdirAll(p.outDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	m := manifest.New(p.buildID, p.hasher.Tag)
	var (
		mu        sync.Mutex
		artifacts = make([]*Artifact, 0, len(mods))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, mod := range mods {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			art, err := p.transform(gctx, mod, prev)
			if err != nil {
				return err
			}
			if !art.onDisk {
				if err := p.write(art); err != nil {
					return err
				}
			}
			if !art.Reused {
				p.record(audit.Event{
					EventType: audit.EventModuleProtected,
					ModuleID:  art.ModuleID,
					Success:   true,
					Metadata: map[string]string{
						"level":    art.Level.String(),
						"strategy": art.Strategy,
						"key_id":   art.KeyID,
					},
				})
			}
			m.Put(art.Entry())
			mu.Lock()
			artifacts = append(artifacts, art)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ModuleID < artifacts[j].ModuleID })
	res := &Result{
		BuildID:      p.buildID,
		ManifestPath: p.ManifestPath(),
		Artifacts:    artifacts,
	}
	for _, a := range artifacts {
		if a.Reused {
			res.Reused++
		} else {
			res.Protected++
		}
	}

	sealed, err := m.Seal(p.opts.Keys.ManifestSigner())
	if err != nil {
		return nil, err
	}
	if err := sealed.Save(res.ManifestPath); err != nil {
		return nil, err
	}
	res.Manifest = sealed
	res.Removed = p.removeStale(prev, m)
	return res, nil
}

// write stores an artifact under the output directory.
func (p *Plugin) write(art *Artifact) error {
	rel := filepath.FromSlash(art.Path)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("artifact path %q escapes the output directory", art.Path)
	}
	if err := util.AtomicWriteFile(filepath.Join(p.outDir, rel), art.Bytes, 0644); err != nil {
		return fmt.Errorf("write %s: %w", art.Path, err)
	}
	return nil
}

// removeStale deletes artifacts listed in prev whose path next no longer uses.
func (p *Plugin) removeStale(prev, next *manifest.Manifest) []string {
	if prev == nil {
		return nil
	}
	keep := make(map[string]bool, next.Len())
	for _, id := range next.IDs() {
		e, _ := next.Get(id)
		keep[e.ArtifactPath] = true
	}

	var removed []string
	for _, id := range prev.IDs() {
		e, _ := prev.Get(id)
		rel := filepath.FromSlash(e.ArtifactPath)
		if e.ArtifactPath == "" || keep[e.ArtifactPath] || !filepath.IsLocal(rel) {
			continue
		}
		if err := os.Remove(filepath.Join(p.outDir, rel)); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("Failed to remove stale artifact", zap.String("path", e.ArtifactPath), zap.Error(err))
			continue
		}
		removed = append(removed, e.ArtifactPath)
	}
	return removed
}

func (p *Plugin) record(e audit.Event) {
	if err := p.audit.Record(e); err != nil {
		p.logger.Warn("Audit write failed", zap.String("event_type", e.EventType), zap.Error(err))
	}
}

func checkUnique(mods []*module.Metadata) error {
	seen := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		if m == nil {
			return fmt.Errorf("pipeline: nil module")
		}
		if _, ok := seen[m.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return nil
}
