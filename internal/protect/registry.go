// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package protect

import (
	"fmt"
	"sort"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
)

// Registry maps levels to strategies.
type Registry struct {
	byName  map[string]Strategy
	byLevel map[classification.Level]Strategy
}

// NewRegistry registers the four built-in strategies with their default
// level mapping. keys may be nil when only PUBLIC and RESTRICTED content
// is processed; encrypting strategies then fail with ErrNotInitialized.
func NewRegistry(keys KeySource, permission string) *Registry {
	if keys == nil {
		keys = noKeys{}
	}
	r := &Registry{
		byName:  make(map[string]Strategy),
		byLevel: make(map[classification.Level]Strategy),
	}
	for _, s := range []Strategy{
		Passthrough{},
		Obfuscate{},
		NewAESGCM(keys),
		NewXChaCha(keys, permission),
	} {
		r.byName[s.Name()] = s
		r.byLevel[s.Level()] = s
	}
	return r
}

// For returns the strategy for a level.
func (r *Registry) For(level classification.Level) Strategy {
	if s, ok := r.byLevel[level]; ok {
		return s
	}
	return r.byLevel[classification.TopSecret]
}

// ByName returns a registered strategy.
func (r *Registry) ByName(name string) (Strategy, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Upgrade maps level to a stronger strategy. Downgrades are refused.
func (r *Registry) Upgrade(level classification.Level, name string) error {
	s, err := r.ByName(name)
	if err != nil {
		return err
	}
	if !level.Valid() {
		return classification.ErrUnknownLevel
	}
	current := r.For(level)
	if strength[s.Name()] < strength[current.Name()] {
		return fmt.Errorf("%w: %s cannot use %s (default %s)", ErrDowngrade, level, name, current.Name())
	}
	r.byLevel[level] = s
	return nil
}

// Configure applies level-name -> strategy-name overrides.
func (r *Registry) Configure(overrides map[string]string) error {
	levels := make([]string, 0, len(overrides))
	for l := range overrides {
		levels = append(levels, l)
	}
	sort.Strings(levels)
	for _, name := range levels {
		level, err := classification.Parse(name)
		if err != nil {
			return err
		}
		if err := r.Upgrade(level, overrides[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered strategy names, weakest first.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return strength[names[i]] < strength[names[j]] })
	return names
}

type noKeys struct{}

func (noKeys) Current() (string, []byte, error) { return "", nil, ErrNotInitialized }
func (noKeys) Key(string) ([]byte, error)       { return nil, ErrNotInitialized }
