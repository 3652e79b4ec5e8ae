// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows
// +build !windows

package protect

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// checkDirPermissions refuses key directories readable by group or world.
func checkDirPermissions(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat key directory: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("SECURITY ERROR: key directory has insecure permissions (%o). "+
			"Directory must have mode 0700 or more restrictive. "+
			"Fix with: chmod 700 %s", mode, dir)
	}
	return nil
}

// checkFilePermissions refuses key files readable by group or world.
func checkFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat key file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("SECURITY ERROR: key file has insecure permissions (%o). "+
			"File must have mode 0600 or more restrictive. "+
			"Fix with: chmod 600 %s", mode, path)
	}
	return nil
}

// lockFile takes an exclusive flock on path, creating it if needed.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock key directory: %w", err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
