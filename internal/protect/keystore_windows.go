// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows
// +build windows

package protect

import (
	"fmt"
	"os"
	"sync"
)

// Windows ACLs are not expressed in Unix mode bits; the profile directory
// is already private to the user.
func checkDirPermissions(dir string) error  { return nil }
func checkFilePermissions(path string) error { return nil }

var windowsLock sync.Mutex

// lockFile serializes writers within this process only.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	windowsLock.Lock()
	return func() {
		windowsLock.Unlock()
		_ = f.Close()
	}, nil
}
