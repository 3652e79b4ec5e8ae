// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cache stores protected and signed artifacts keyed by content hash.
//
// A rebuild of an unchanged module reuses the cached artifact, integrity
// string, and signature, so repeated builds with the same build ID produce
// identical manifests. The SQLite backend uses the pure-Go modernc driver
// with a single connection.
//
// # Usage
//
//	c, err := cache.Open(cfg.Build.CachePath)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	hit, err := c.Get(ctx, key, protect.StrategyAESGCM)
//	if errors.Is(err, cache.ErrMiss) {
//	    // protect, sign, then c.Put(...)
//	}
package cache
