// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cache_cmd.go - Build cache management.
//
// Command: cache [subcommand]
// Short:   Inspect and prune the SQLite build cache
//
// Subcommands:
//   stats (default)     Entry count, size and age range
//   prune --older 72h   Delete entries older than a duration
//   clear --confirm     Delete every entry
//
// Cache Location:
//   build.cache_path in the config; an empty path disables the cache.

package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/TheMapleseed/Term-Limits/internal/cache"
)

var cacheBoolFlags = []string{"confirm"}

// CacheStatsData is the JSON data of cache stats.
type CacheStatsData struct {
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
	cache.Stats
}

// HandleCache handles "cache <subcommand>".
func HandleCache(ctx context.Context, args Args) error {
	p := args.Parser(cacheBoolFlags...)
	sub := p.Subcommand()
	switch sub {
	case "", "stats", "prune", "clear":
	default:
		return ErrUnknownSubcommand("cache", sub, []string{"stats", "prune", "clear"})
	}

	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	path := e.cfg.Build.CachePath
	if path == "" {
		if args.JSON {
			return emit("cache", CacheStatsData{})
		}
		fmt.Fprintln(stdout, DimStyle.Render("Build cache disabled (build.cache_path is empty)"))
		return nil
	}
	c, err := cache.Open(path)
	if err != nil {
		return err
	}
	defer c.Close()

	switch sub {
	case "prune":
		older, err := p.FlagDuration("older", 7*24*time.Hour)
		if err != nil {
			return err
		}
		return pruneCache(ctx, args, c, older)
	case "clear":
		ok, err := RequireConfirmation(p.BoolFlag("confirm"), "delete every cached artifact", args.JSON)
		if err != nil {
			return err
		}
		if !ok {
			return NewCommandError("cache", "clear", "cancelled", nil)
		}
		return pruneCache(ctx, args, c, 0)
	}

	st, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	data := CacheStatsData{Path: path, Enabled: true, Stats: st}
	if args.JSON {
		return emit("cache stats", data)
	}
	printField("Cache", data.Path)
	printField("Entries", strconv.FormatInt(st.Entries, 10))
	printField("Size", formatBytes(st.Bytes))
	if st.Entries > 0 {
		printField("Oldest", st.Oldest.Format(time.RFC3339))
		printField("Newest", st.Newest.Format(time.RFC3339))
	}
	return nil
}

func pruneCache(ctx context.Context, args Args, c cache.Cache, older time.Duration) error {
	n, err := c.Prune(ctx, older)
	if err != nil {
		return err
	}
	if args.JSON {
		return emit("cache prune", map[string]any{"removed": n, "older_than": older.String()})
	}
	fmt.Fprintf(stdout, "%s removed %d cached artifact(s)\n", RenderStatus("ok"), n)
	return nil
}
