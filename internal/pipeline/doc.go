// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline is the build-phase hook.
//
// A bundler adapter hands module metadata to the Plugin, either one module
// at a time through Transform or as a whole build through Build. For each
// module the plugin resolves a level when none was given, computes the
// content hash, reuses a cached or previously emitted artifact when nothing
// changed, and otherwise protects the payload with the level's strategy and
// signs it with the level's key. Build writes every artifact to the output
// directory and seals an integrity manifest next to them.
//
// # Usage
//
//	p, err := pipeline.New(pipeline.Options{
//	    OutDir:   "dist",
//	    Keys:     signingKeys,
//	    KeyRing:  ring,
//	    Cache:    c,
//	    Resolver: resolver,
//	})
//	res, err := p.Build(ctx, modules)
//	fmt.Println(res.ManifestPath)
package pipeline
