// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// watch_cmd.go - Incremental rebuilds on file changes.

package cli

import (
	"context"
	"fmt"

	"github.com/TheMapleseed/Term-Limits/internal/watch"
)

// WatchBuildData is emitted as one JSON line per rebuild.
type WatchBuildData struct {
	Changed   []string `json:"changed,omitempty"`
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Modified  []string `json:"modified,omitempty"`
	Protected int      `json:"protected"`
	Reused    int      `json:"reused"`
	Error     string   `json:"error,omitempty"`
}

// HandleWatch handles "watch". It blocks until ctx is cancelled.
func HandleWatch(ctx context.Context, args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	p := args.Parser(buildBoolFlags...)
	debounce, err := p.FlagDuration("debounce", e.cfg.Debounce())
	if err != nil {
		return err
	}
	s, err := newBuildSetup(e, p)
	if err != nil {
		return err
	}

	w, err := watch.New(watch.Options{
		Root:     s.root,
		Discover: s.discover,
		Builder:  s.plugin,
		Debounce: debounce,
		Logger:   e.logger,
		OnBuild:  func(r watch.Report) { printWatchReport(args.JSON, r) },
	})
	if err != nil {
		return err
	}
	if !args.JSON {
		fmt.Fprintf(stdout, "Watching %s (Ctrl+C to stop)\n", s.root)
	}
	return w.Run(ctx)
}

func printWatchReport(jsonMode bool, r watch.Report) {
	d := WatchBuildData{Changed: r.Changed}
	if r.Err != nil {
		d.Error = r.Err.Error()
	}
	if r.Result != nil {
		d.Added, d.Removed, d.Modified = r.Changes.Added, r.Changes.Removed, r.Changes.Changed
		d.Protected, d.Reused = r.Result.Protected, r.Result.Reused
	}
	if jsonMode {
		_ = emit("watch", d)
		return
	}
	if d.Error != "" {
		fmt.Fprintf(stdout, "%s rebuild failed: %s\n", RenderStatus("fail"), d.Error)
		return
	}
	fmt.Fprintf(stdout, "%s rebuilt: %d protected, %d reused (+%d -%d ~%d)\n",
		RenderStatus("ok"), d.Protected, d.Reused, len(d.Added), len(d.Removed), len(d.Modified))
}
