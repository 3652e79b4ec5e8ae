// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watch rebuilds protected output when frontend sources change.
//
// A Watcher subscribes to the source tree with fsnotify, collects change
// events until the tree has been quiet for the debounce interval, then
// rediscovers modules and hands them to the build pipeline together with
// the previous manifest. Unchanged modules are reused, so a rebuild only
// re-protects what moved. Each rebuild is reported with its manifest diff.
//
// Usage:
//
//	w, err := watch.New(watch.Options{
//	    Root:     "src",
//	    Discover: discoverOpts,
//	    Builder:  plugin,
//	    Debounce: cfg.Debounce(),
//	    Logger:   logger,
//	})
//	err = w.Run(ctx) // blocks until ctx is cancelled
package watch
