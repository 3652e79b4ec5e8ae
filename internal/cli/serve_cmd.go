// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve_cmd.go - Edge server for artifacts, unwrap and validation.
//
// Command: serve
//
// Flags:
//   --listen ADDR       Listen address (default: server.listen)
//   --watch             Build first, then rebuild on change and swap in
//                       each newly sealed manifest without a restart
//
// Endpoints:
//   GET  /healthz
//   GET  /metrics
//   GET  /manifest.json
//   GET  /v1/modules/{id}
//   POST /v1/modules/{id}/unwrap
//   POST /v1/validate

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/server"
	"github.com/TheMapleseed/Term-Limits/internal/session"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
	"github.com/TheMapleseed/Term-Limits/internal/watch"
)

// HandleServe handles "serve". It blocks until ctx is cancelled.
func HandleServe(ctx context.Context, args Args) error {
	e, err := newEnv(args)
	if err != nil {
		return err
	}
	defer e.Close()

	p := args.Parser(buildBoolFlags...)
	if v := p.Flag("listen"); v != "" {
		e.cfg.Server.Listen = v
	}
	opts, err := server.OptionsFromConfig(e.cfg)
	if err != nil {
		return err
	}

	var (
		keys  *signing.KeySet
		ring  *protect.KeyRing
		sm    *manifest.SignedManifest
		setup *buildSetup
	)
	if p.BoolFlag("watch") {
		if setup, err = newBuildSetup(e, p); err != nil {
			return err
		}
		res, _, err := setup.run(ctx, e)
		if err != nil {
			return err
		}
		keys, ring, sm = setup.keys, setup.ring, res.Manifest
		opts.OutDir = setup.plugin.OutDir()
	} else {
		if keys, err = e.signingKeys(); err != nil {
			return err
		}
		path := e.cfg.ManifestPath()
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: run 'termlimits build' first", NewNotFoundError("manifest", path))
		}
		if sm, err = server.OpenManifest(path, keys, e.audit); err != nil {
			return err
		}
		if ring, err = e.keyRing(); err != nil {
			return err
		}
	}

	opts.Manifest = sm
	opts.Keys = keys.PublicSet()
	opts.Audit = e.audit
	opts.Logger = e.logger
	// A nil KeySource keeps unwrap answering 503 until keys exist
	if ring.Initialized() {
		opts.KeyRing = ring
	} else {
		e.logger.Warn("Key ring not initialized; unwrap is disabled")
	}
	verifier, err := session.NewVerifierFromConfig(e.cfg.Session)
	switch {
	case errors.Is(err, session.ErrNotConfigured):
		e.logger.Warn("Session verification not configured; only PUBLIC modules can be unwrapped")
	case err != nil:
		return err
	default:
		opts.Verifier = verifier
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	if !args.JSON {
		fmt.Fprintf(stdout, "Serving %d modules (build %s) on %s\n", sm.Manifest.Len(), sm.Manifest.BuildID, opts.Listen)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if setup != nil {
		w, err := watch.New(watch.Options{
			Root:     setup.root,
			Discover: setup.discover,
			Builder:  setup.plugin,
			Debounce: e.cfg.Debounce(),
			Logger:   e.logger,
			OnBuild: func(r watch.Report) {
				if r.Err != nil || r.Result == nil {
					return
				}
				srv.SetManifest(r.Result.Manifest)
				e.logger.Info("Manifest swapped",
					zap.String("build_id", r.Result.BuildID),
					zap.Int("modules", len(r.Result.Artifacts)))
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}
