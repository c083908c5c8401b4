// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/singleflight"
)

// DirectoryDescriptor is a candidate scan directory under the media root.
type DirectoryDescriptor struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	SymlinkCount int    `json:"symlinkCount"`
}

// inventoryGroup coalesces concurrent inventory requests for the same root;
// counting symlinks walks the whole tree and the UI polls while a scan runs.
var inventoryGroup singleflight.Group

// ListDirectories enumerates the immediate subdirectories of root with their
// recursive symlink counts, ordered lexicographically by path. Pure read;
// safe to call while a scan is running.
func ListDirectories(ctx context.Context, root string) ([]DirectoryDescriptor, error) {
	if err := statDir(root); err != nil {
		return nil, fmt.Errorf("%w: media root %s: %v", ErrConfiguration, root, err)
	}

	v, err, _ := inventoryGroup.Do(root, func() (any, error) {
		return listDirectories(root)
	})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return v.([]DirectoryDescriptor), nil
}

func listDirectories(root string) ([]DirectoryDescriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("%w: read media root %s: %v", ErrConfiguration, root, err)
	}

	dirs := make([]DirectoryDescriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		dirs = append(dirs, DirectoryDescriptor{
			Path:         path,
			Name:         entry.Name(),
			SymlinkCount: countSymlinks(path),
		})
	}

	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].Path < dirs[j].Path
	})

	return dirs, nil
}
