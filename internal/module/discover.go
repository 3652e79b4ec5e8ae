// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package module

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// DefaultMaxFileSize skips generated bundles and vendored blobs.
const DefaultMaxFileSize = 8 << 20

// ErrNotModule is returned by Load for files discovery would skip.
var ErrNotModule = errors.New("not a module file")

// Options controls discovery.
type Options struct {
	// Extensions to include, with leading dot
	Extensions []string
	// Exclude lists directory names to skip anywhere in the tree
	Exclude []string
	// OutDir is skipped when it lies inside the root
	OutDir string
	// MaxFileSize skips larger files (0 = DefaultMaxFileSize)
	MaxFileSize int64
	// Resolver assigns levels; nil leaves modules unresolved
	Resolver *Resolver
}

// Includes reports whether name has a module extension.
func (o *Options) Includes(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range o.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Excluded reports whether a directory named name is skipped.
func (o *Options) Excluded(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	for _, e := range o.Exclude {
		if name == e {
			return true
		}
	}
	return false
}

// Discover walks root and returns every module sorted by ID.
func Discover(ctx context.Context, root string, opts Options) ([]*Metadata, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve source root: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", root)
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	var outAbs string
	if opts.OutDir != "" {
		outAbs, _ = filepath.Abs(opts.OutDir)
	}

	var mods []*Metadata
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if p == absRoot {
				return nil
			}
			if opts.Excluded(d.Name()) || (outAbs != "" && p == outAbs) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !opts.Includes(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxSize {
			return nil
		}

		m, err := loadFile(absRoot, p)
		if err != nil {
			return err
		}
		if opts.Resolver != nil {
			if err := opts.Resolver.Resolve(m); err != nil {
				return err
			}
		}
		mods = append(mods, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover modules: %w", err)
	}

	SortByID(mods)
	return mods, nil
}

// Load reads a single module file under root, as Discover would.
func Load(root, file string, opts Options) (*Metadata, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	absFile, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	if !opts.Includes(absFile) {
		return nil, fmt.Errorf("%s: %w", file, ErrNotModule)
	}
	m, err := loadFile(absRoot, absFile)
	if err != nil {
		return nil, err
	}
	if opts.Resolver != nil {
		if err := opts.Resolver.Resolve(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IDFor converts a file path under root into a module ID.
func IDFor(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", err
	}
	id := util.NormalizeID(filepath.ToSlash(rel))
	if id == "" || id == ".." || strings.HasPrefix(id, "../") {
		return "", fmt.Errorf("%s is outside the source root", file)
	}
	return id, nil
}

func loadFile(root, p string) (*Metadata, error) {
	id, err := IDFor(root, p)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", id, err)
	}
	return &Metadata{
		ID:           id,
		Source:       src,
		Path:         p,
		Dependencies: ExtractDependencies(id, src),
	}, nil
}
