// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/pipeline"
)

// DefaultDebounce applies when Options.Debounce is zero.
const DefaultDebounce = 250 * time.Millisecond

// Builder runs a build against the previous manifest.
type Builder interface {
	Rebuild(ctx context.Context, mods []*module.Metadata, prev *manifest.Manifest) (*pipeline.Result, error)
	// PreviousManifest returns the last verified manifest, or nil
	PreviousManifest() *manifest.Manifest
}

// Report describes one rebuild.
type Report struct {
	// Changed lists the paths that triggered the rebuild (empty for the initial build)
	Changed []string
	Result  *pipeline.Result
	Changes manifest.Changes
	Err     error
}

// Options configures a Watcher.
type Options struct {
	Root     string
	Discover module.Options
	Builder  Builder
	Debounce time.Duration
	Logger   *zap.Logger
	// OnBuild is called after every rebuild, from the watcher goroutine
	OnBuild func(Report)
}

// Watcher drives incremental rebuilds from file system events.
type Watcher struct {
	root     string
	outDir   string
	opts     Options
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	prev    *manifest.Manifest
}

// New validates opts.
func New(opts Options) (*Watcher, error) {
	if opts.Builder == nil {
		return nil, errors.New("watch: builder required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: source root: %w", err)
	}
	w := &Watcher{
		root:     root,
		opts:     opts,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		pending:  make(map[string]time.Time),
	}
	if opts.Discover.OutDir != "" {
		if w.outDir, err = filepath.Abs(opts.Discover.OutDir); err != nil {
			return nil, fmt.Errorf("watch: output directory: %w", err)
		}
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w, nil
}

// Run performs an initial build, then rebuilds after each quiet period
// following a change. It returns nil once ctx is cancelled. Build failures
// are reported and logged but do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := w.addRecursive(fsw, w.root); err != nil {
		fsw.Close()
		return err
	}

	w.prev = w.opts.Builder.PreviousManifest()
	w.rebuild(ctx, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.processEvents(ctx, fsw)
	}()
	go func() {
		defer wg.Done()
		w.processPending(ctx)
	}()

	w.logger.Info("Watching for changes",
		zap.String("root", w.root),
		zap.Duration("debounce", w.debounce))

	<-ctx.Done()
	closeErr := fsw.Close()
	wg.Wait()
	if closeErr != nil {
		return fmt.Errorf("watch: close: %w", closeErr)
	}
	return nil
}

// addRecursive adds dir and its subdirectories, skipping excluded names
// and the output directory.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return fmt.Errorf("watch %s: %w", p, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && (w.opts.Discover.Excluded(d.Name()) || w.inOutDir(p)) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", zap.String("path", p), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) inOutDir(p string) bool {
	if w.outDir == "" {
		return false
	}
	return p == w.outDir || strings.HasPrefix(p, w.outDir+string(filepath.Separator))
}

func (w *Watcher) processEvents(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	if w.inOutDir(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.opts.Discover.Excluded(filepath.Base(event.Name)) {
				return
			}
			if err := w.addRecursive(fsw, event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			// Files may have landed before the watch was added
			w.mark(event.Name)
			return
		}
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A removed directory carries no extension
		if w.opts.Discover.Includes(event.Name) || filepath.Ext(event.Name) == "" {
			w.mark(event.Name)
		}
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		if w.opts.Discover.Includes(event.Name) {
			w.mark(event.Name)
		}
	}
}

func (w *Watcher) mark(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// processPending fires a rebuild once no change has arrived for the
// debounce interval.
func (w *Watcher) processPending(ctx context.Context) {
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if changed := w.takeQuiet(now); len(changed) > 0 {
				w.rebuild(ctx, changed)
			}
		}
	}
}

// takeQuiet drains the pending set when its newest change is older than
// the debounce interval.
func (w *Watcher) takeQuiet(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	for _, at := range w.pending {
		if now.Sub(at) < w.debounce {
			return nil
		}
	}
	changed := make([]string, 0, len(w.pending))
	for p := range w.pending {
		if rel, err := filepath.Rel(w.root, p); err == nil {
			p = filepath.ToSlash(rel)
		}
		changed = append(changed, p)
	}
	clear(w.pending)
	sort.Strings(changed)
	return changed
}

func (w *Watcher) rebuild(ctx context.Context, changed []string) {
	rep := Report{Changed: changed}
	defer func() {
		if w.opts.OnBuild != nil {
			w.opts.OnBuild(rep)
		}
	}()

	mods, err := module.Discover(ctx, w.root, w.opts.Discover)
	if err != nil {
		rep.Err = err
		w.logger.Error("Discovery failed", zap.Error(err))
		return
	}
	res, err := w.opts.Builder.Rebuild(ctx, mods, w.prev)
	if err != nil {
		if ctx.Err() != nil {
			rep.Err = ctx.Err()
			return
		}
		rep.Err = err
		w.logger.Error("Rebuild failed", zap.Strings("changed", changed), zap.Error(err))
		return
	}

	rep.Result = res
	rep.Changes = manifest.Diff(w.prev, res.Manifest.Manifest)
	w.prev = res.Manifest.Manifest

	w.logger.Info("Rebuilt",
		zap.Strings("changed", changed),
		zap.Strings("added", rep.Changes.Added),
		zap.Strings("removed", rep.Changes.Removed),
		zap.Strings("modified", rep.Changes.Changed),
		zap.Int("protected", res.Protected),
		zap.Int("reused", res.Reused))
}
