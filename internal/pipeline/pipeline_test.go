// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMapleseed/Term-Limits/internal/cache"
	"github.com/TheMapleseed/Term-Limits/internal/hashgen"
	"github.com/TheMapleseed/Term-Limits/internal/manifest"
	"github.com/TheMapleseed/Term-Limits/internal/module"
	"github.com/TheMapleseed/Term-Limits/internal/protect"
	"github.com/TheMapleseed/Term-Limits/internal/security/audit"
	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/signing"
)

type env struct {
	keys *signing.KeySet
	ring *protect.KeyRing
}

func newEnv(t *testing.T) *env {
	t.Helper()
	keys, err := signing.Generate()
	require.NoError(t, err)
	ring, err := protect.OpenKeyRing(protect.NewMemoryKeyStore(), protect.RingOptions{})
	require.NoError(t, err)
	_, err = ring.Init()
	require.NoError(t, err)
	return &env{keys: keys, ring: ring}
}

func (e *env) plugin(t *testing.T, outDir string, c cache.Cache) *Plugin {
	t.Helper()
	p, err := New(Options{
		OutDir:      outDir,
		BuildID:     "build-1",
		Concurrency: 2,
		Keys:        e.keys,
		KeyRing:     e.ring,
		Cache:       c,
		Resolver:    &module.Resolver{Inferrer: classification.NewInferrer(classification.Public)},
	})
	require.NoError(t, err)
	return p
}

func sampleModules() []*module.Metadata {
	return []*module.Metadata{
		{ID: "main.js", Level: classification.Public, LevelSource: module.SourceDeclared,
			Source: []byte(`import "./admin/panel.js"`), Dependencies: []string{"admin/panel.js"}},
		{ID: "util.js", Level: classification.Restricted, LevelSource: module.SourceDeclared,
			Source: []byte("export const x = 1")},
		{ID: "admin/panel.js", Level: classification.Confidential, LevelSource: module.SourceDeclared,
			Source: []byte("export function admin() {}")},
		{ID: "vault/keys.js", Level: classification.TopSecret, LevelSource: module.SourceDeclared,
			Source: []byte("export const k = 42")},
	}
}

func TestBuild_EmitsArtifactsAndSealedManifest(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	p := e.plugin(t, out, nil)

	res, err := p.Build(context.Background(), sampleModules())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Protected)
	assert.Equal(t, 0, res.Reused)
	assert.Equal(t, filepath.Join(out, "integrity-manifest.json"), res.ManifestPath)

	sm, err := manifest.LoadVerified(res.ManifestPath, e.keys.Manifest.Public)
	require.NoError(t, err)
	assert.Equal(t, "build-1", sm.Manifest.BuildID)
	assert.Equal(t, []string{"admin/panel.js", "main.js", "util.js", "vault/keys.js"}, sm.Manifest.IDs())

	wantStrategy := map[string]string{
		"main.js":        protect.StrategyPassthrough,
		"util.js":        protect.StrategyObfuscate,
		"admin/panel.js": protect.StrategyAESGCM,
		"vault/keys.js":  protect.StrategyXChaCha,
	}
	for id, strategy := range wantStrategy {
		entry, ok := sm.Manifest.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, strategy, entry.Strategy, id)

		data, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(entry.ArtifactPath)))
		require.NoError(t, err, id)
		assert.Equal(t, entry.Integrity, hashgen.SumArtifact(data), id)
		assert.NoError(t, e.keys.VerifyEntry(entry.SigningEntry(), entry.Signature, entry.KeyID), id)
	}

	// Public output is the source itself; confidential output is not
	main, _ := sm.Manifest.Get("main.js")
	assert.Equal(t, "main.js", main.ArtifactPath)
	panel, _ := sm.Manifest.Get("admin/panel.js")
	raw, err := os.ReadFile(filepath.Join(out, filepath.FromSlash(panel.ArtifactPath)))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "export function admin")
	assert.True(t, panel.Confidential)
}

func TestBuild_ArtifactsUnwrap(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	res, err := e.plugin(t, out, nil).Build(context.Background(), sampleModules())
	require.NoError(t, err)

	reg := protect.NewRegistry(e.ring, protect.DefaultPermission)
	for _, art := range res.Artifacts {
		strategy, err := reg.ByName(art.Strategy)
		require.NoError(t, err)
		envl, err := protect.ParseArtifact(art.Strategy, art.Level, art.Bytes)
		require.NoError(t, err)
		src, err := strategy.Unprotect(context.Background(), envl, protect.Binding{
			ModuleID:    art.ModuleID,
			BuildID:     res.BuildID,
			Clearance:   classification.TopSecret,
			Permissions: []string{protect.DefaultPermission},
		})
		require.NoError(t, err, art.ModuleID)
		for _, m := range sampleModules() {
			if m.ID == art.ModuleID {
				assert.Equal(t, string(m.Source), string(src))
			}
		}
	}
}

func TestBuild_CacheMakesRepeatBuildsIdentical(t *testing.T) {
	e := newEnv(t)
	c, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	first, err := e.plugin(t, t.TempDir(), c).Build(context.Background(), sampleModules())
	require.NoError(t, err)

	// Fresh output directory so only the cache can supply artifacts
	out2 := t.TempDir()
	second, err := e.plugin(t, out2, c).Build(context.Background(), sampleModules())
	require.NoError(t, err)
	assert.Equal(t, 4, second.Reused)
	assert.Equal(t, 0, second.Protected)

	if diff := cmp.Diff(first.Manifest.Manifest.Entries, second.Manifest.Manifest.Entries); diff != "" {
		t.Errorf("manifests differ between cached builds (-first +second):\n%s", diff)
	}
	for _, art := range second.Artifacts {
		_, err := os.Stat(filepath.Join(out2, filepath.FromSlash(art.Path)))
		assert.NoError(t, err, "cached artifact %s must be written", art.Path)
	}
}

func TestBuild_ReusesPreviousOutputWithoutCache(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()

	_, err := e.plugin(t, out, nil).Build(context.Background(), sampleModules())
	require.NoError(t, err)

	mods := sampleModules()
	mods[1].Source = []byte("export const x = 2")
	res, err := e.plugin(t, out, nil).Build(context.Background(), mods)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Protected)
	assert.Equal(t, 3, res.Reused)
}

func TestBuild_RotationForcesReencryption(t *testing.T) {
	e := newEnv(t)
	c, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer c.Close()

	_, err = e.plugin(t, t.TempDir(), c).Build(context.Background(), sampleModules())
	require.NoError(t, err)
	_, err = e.ring.Rotate()
	require.NoError(t, err)

	res, err := e.plugin(t, t.TempDir(), c).Build(context.Background(), sampleModules())
	require.NoError(t, err)
	// PUBLIC and RESTRICTED are unkeyed and stay cached
	assert.Equal(t, 2, res.Reused)
	assert.Equal(t, 2, res.Protected)
	for _, art := range res.Artifacts {
		if art.Level >= classification.Confidential {
			envl, err := protect.ParseArtifact(art.Strategy, art.Level, art.Bytes)
			require.NoError(t, err)
			assert.Equal(t, "epoch-2", envl.KeyID)
		}
	}
}

func TestBuild_RemovesStaleArtifacts(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	_, err := e.plugin(t, out, nil).Build(context.Background(), sampleModules())
	require.NoError(t, err)

	mods := sampleModules()[:2]
	res, err := e.plugin(t, out, nil).Build(context.Background(), mods)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin/panel.js.enc.json", "vault/keys.js.ctx.json"}, res.Removed)

	_, err = os.Stat(filepath.Join(out, "admin", "panel.js.enc.json"))
	assert.True(t, os.IsNotExist(err))
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Record(e audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// tamperManifest adds an entry naming keep.txt without resealing.
func tamperManifest(t *testing.T, path string) {
	t.Helper()
	sm, err := manifest.Load(path)
	require.NoError(t, err)
	sm.Manifest.Put(manifest.Entry{ID: "ghost.js", ArtifactPath: "keep.txt"})
	sm.Raw, err = sm.Manifest.Canonical()
	require.NoError(t, err)
	require.NoError(t, sm.Save(path))
}

func TestBuild_TamperedPreviousManifestIsIgnored(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	first := e.plugin(t, out, nil)
	_, err := first.Build(context.Background(), sampleModules())
	require.NoError(t, err)

	keep := filepath.Join(out, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("not an artifact"), 0644))
	tamperManifest(t, first.ManifestPath())

	log := &eventLog{}
	p, err := New(Options{OutDir: out, BuildID: "build-2", Keys: e.keys, KeyRing: e.ring, Audit: log})
	require.NoError(t, err)
	assert.Nil(t, p.PreviousManifest())

	res, err := p.Build(context.Background(), sampleModules())
	require.NoError(t, err)
	assert.NotContains(t, res.Removed, "keep.txt")
	assert.Zero(t, res.Reused)
	assert.FileExists(t, keep)
	assert.Equal(t, 2, log.count(audit.EventManifestTampered))

	_, err = manifest.LoadVerified(res.ManifestPath, e.keys.Manifest.Public)
	assert.NoError(t, err)
}

func TestPreviousManifest_ForeignSealIsIgnored(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	_, err := e.plugin(t, out, nil).Build(context.Background(), sampleModules())
	require.NoError(t, err)

	other := newEnv(t)
	log := &eventLog{}
	p, err := New(Options{OutDir: out, Keys: other.keys, Audit: log})
	require.NoError(t, err)
	assert.Nil(t, p.PreviousManifest())
	assert.Equal(t, 1, log.count(audit.EventManifestTampered))
}

func TestPreviousManifest_VerifiedAndMissing(t *testing.T) {
	e := newEnv(t)
	out := t.TempDir()
	p := e.plugin(t, out, nil)
	assert.Nil(t, p.PreviousManifest())

	_, err := p.Build(context.Background(), sampleModules())
	require.NoError(t, err)
	prev := p.PreviousManifest()
	require.NotNil(t, prev)
	assert.Equal(t, 4, prev.Len())
}

func TestTransform_FallbackInference(t *testing.T) {
	e := newEnv(t)
	p := e.plugin(t, t.TempDir(), nil)

	m := &module.Metadata{ID: "src/billing/invoice.js", Source: []byte("x")}
	var hook Hook = p
	art, err := hook.Transform(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, classification.Confidential, art.Level)
	assert.Equal(t, module.SourceInferred, art.LevelSource)
	assert.Equal(t, protect.StrategyAESGCM, art.Strategy)
	assert.Equal(t, "termlimits", hook.Name())

	plain := &module.Metadata{ID: "src/app.js", Source: []byte("y")}
	art, err = p.Transform(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, classification.Public, art.Level)
	assert.Equal(t, module.SourceDefault, art.LevelSource)
}

func TestBuild_Cancelled(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.plugin(t, t.TempDir(), nil).Build(ctx, sampleModules())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuild_DuplicateModule(t *testing.T) {
	e := newEnv(t)
	mods := append(sampleModules(), &module.Metadata{ID: "main.js", Source: []byte("dup")})
	_, err := e.plugin(t, t.TempDir(), nil).Build(context.Background(), mods)
	assert.ErrorIs(t, err, ErrDuplicateModule)
}

func TestBuild_NoKeyRingFailsForEncryptedLevels(t *testing.T) {
	keys, err := signing.Generate()
	require.NoError(t, err)
	p, err := New(Options{OutDir: t.TempDir(), BuildID: "b", Keys: keys})
	require.NoError(t, err)

	_, err = p.Build(context.Background(), sampleModules()[:2])
	require.NoError(t, err)
	_, err = p.Build(context.Background(), sampleModules())
	assert.ErrorIs(t, err, protect.ErrNotInitialized)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	keys, err := signing.Generate()
	require.NoError(t, err)
	_, err = New(Options{OutDir: t.TempDir(), Keys: keys.PublicSet()})
	assert.ErrorIs(t, err, signing.ErrNoKey)
}

func TestResolveBuildID(t *testing.T) {
	t.Setenv(BuildIDEnvVar, "")
	assert.Equal(t, "cfg", ResolveBuildID("cfg"))
	assert.Len(t, ResolveBuildID(""), 36)

	t.Setenv(BuildIDEnvVar, "from-env")
	assert.Equal(t, "from-env", ResolveBuildID(""))
	assert.Equal(t, "cfg", ResolveBuildID("cfg"))
}
