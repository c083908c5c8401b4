// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// safeDeleteSymlink removes a single symlink with safety checks. It removes
// the link itself, never the target, and never a directory.
func safeDeleteSymlink(mediaRoot, target string) error {
	if !filepath.IsAbs(target) {
		return fmt.Errorf("refusing non-absolute path: %s", target)
	}
	if filepath.Clean(target) == filepath.Clean(mediaRoot) {
		return fmt.Errorf("refusing to delete media root: %s", mediaRoot)
	}
	rel, err := filepath.Rel(mediaRoot, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("path escapes media root: %s", target)
	}

	info, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			// Already gone. Re-running a deletion is a per-item failure,
			// not a crash; report it so the reason records the no-op.
			return fmt.Errorf("already deleted: %s", target)
		}
		return fmt.Errorf("stat target: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("refusing to delete directory: %s", target)
	}

	if err := os.Remove(target); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
