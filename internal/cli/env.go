// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// env.go - Config, logger, audit and key loading shared by every command.

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/TheMapleseed/Term-Limits/internal/config"
	"github.com/TheMapleseed/Term-Limits/internal/logging"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

// env is the per-invocation runtime: resolved config, logger and audit log.
type env struct {
	args    Args
	cfg     *config.Config
	logger  *zap.Logger
	audit   audit.Recorder
	closers []func()
}

// newEnv loads config and builds the logger and audit recorder.
func newEnv(args Args) (*env, error) {
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	config.SetGlobal(cfg)

	opts := logging.FromConfig(cfg)
	opts.Quiet, opts.Verbose = args.Quiet, args.Verbose
	logger, err := logging.New(opts)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}

	e := &env{args: args, cfg: cfg, logger: logger, audit: audit.Nop{}}
	e.onClose(func() { _ = logger.Sync() })

	if err := e.openAudit(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, NewNotFoundError("config file", path)
	}
	return config.LoadFromPath(path)
}

// openAudit opens the HMAC-chained log. A missing audit key downgrades to
// a no-op recorder with a warning so read-only commands keep working.
func (e *env) openAudit() error {
	if !e.cfg.Audit.Enabled {
		return nil
	}
	path := e.cfg.AuditPath()
	km := audit.NewKeyManager(filepath.Dir(path))
	defer km.Close()

	key, source, err := km.LoadKey()
	if errors.Is(err, audit.ErrNoKey) {
		e.logger.Warn("Audit logging disabled", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	l, err := audit.Open(path, key)
	if err != nil {
		return err
	}
	e.logger.Debug("Audit log opened",
		zap.String("path", path),
		zap.String("key_source", string(source)))
	e.audit = l
	e.onClose(func() { _ = l.Close() })
	return nil
}

func (e *env) onClose(f func()) {
	e.closers = append(e.closers, f)
}

// Close releases resources in reverse order.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// record writes an audit event, logging failures.
func (e *env) record(ev audit.Event) {
	if err := e.audit.Record(ev); err != nil {
		e.logger.Warn("Audit write failed", zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// signingKeys loads the signing key set.
func (e *env) signingKeys() (*signing.KeySet, error) {
	dir := e.cfg.Signing.KeyDir
	if !signing.Exists(dir) {
		return nil, fmt.Errorf("%w: run 'termlimits keys init'", NewNotFoundError("signing keys", dir))
	}
	return signing.Load(dir)
}

// keyRing opens the protection key ring, prompting for the passphrase
// when the ring is passphrase protected.
func (e *env) keyRing() (*protect.KeyRing, error) {
	store := protect.NewFileKeyStore(e.cfg.Protection.KeyDir)
	opts := protect.RingOptions{
		RotationInterval: e.cfg.RotationInterval(),
		RetainEpochs:     e.cfg.Protection.RetainEpochs,
		Passphrase:       os.Getenv(PassphraseEnvVar),
	}
	ring, err := protect.OpenKeyRing(store, opts)
	if errors.Is(err, protect.ErrWrongPassphrase) && opts.Passphrase == "" {
		if opts.Passphrase, err = ReadPassphrase("Key ring passphrase: ", false); err != nil {
			return nil, err
		}
		ring, err = protect.OpenKeyRing(store, opts)
	}
	if err != nil {
		return nil, err
	}
	e.onClose(ring.Close)
	return ring, nil
}

// registry builds the strategy registry with configured upgrades.
func (e *env) registry(keys protect.KeySource) (*protect.Registry, error) {
	reg := protect.NewRegistry(keys, e.cfg.Protection.TopSecretPermission)
	if err := reg.Configure(e.cfg.Protection.Strategies); err != nil {
		return nil, fmt.Errorf("protection.strategies: %w", err)
	}
	return reg, nil
}

// resolver loads the declaration file under root and the configured inferrer.
func (e *env) resolver(root string) (*module.Resolver, error) {
	inf, err := e.cfg.Inferrer()
	if err != nil {
		return nil, err
	}
	r := &module.Resolver{Inferrer: inf}

	if e.cfg.Levels.DeclarationFile == "" {
		return r, nil
	}
	path := e.cfg.Levels.DeclarationFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	decl, err := module.LoadDeclarations(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		e.logger.Debug("No declaration file", zap.String("path", path))
	case err != nil:
		return nil, err
	default:
		r.Declarations = decl
	}
	return r, nil
}

// discoverOptions returns module discovery settings for the current config.
func (e *env) discoverOptions(r *module.Resolver) module.Options {
	return module.Options{
		Extensions: e.cfg.Build.Extensions,
		Exclude:    e.cfg.Build.Exclude,
		OutDir:     e.cfg.Build.OutDir,
		Resolver:   r,
	}
}
