// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/models"
)

// walkSymlinks walks root and sends every symlink path to paths. A directory
// that cannot be read yields a single inaccessible result for that subtree on
// results and the walk continues with siblings. Only an error on the root
// itself aborts the walk; everything below is recovered locally.
func walkSymlinks(ctx context.Context, root string, paths chan<- string, results chan<- phase1Result) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if filepath.Clean(path) == filepath.Clean(root) {
				return fmt.Errorf("%w: walk %s: %v", ErrConfiguration, root, err)
			}
			results <- phase1Result{
				problem: &models.Problem{
					Type:   models.ProblemInaccessible,
					Path:   path,
					Reason: fmt.Sprintf("directory unreadable: %v", err),
				},
			}
			log.Debug().Str("path", path).Err(err).Msg("symlinkscan: skipping unreadable subtree")
			return fs.SkipDir
		}

		// Don't recurse through symlinked directories; the link itself is
		// the unit of verification.
		if d.Type()&fs.ModeSymlink != 0 {
			select {
			case paths <- path:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	return err
}

// countSymlinks counts symlinks under dir, skipping unreadable subtrees.
func countSymlinks(dir string) int {
	count := 0
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			count++
		}
		return nil
	})
	return count
}

// isPathUnder reports whether path is root or lies beneath it, with
// boundary safety so /data/foo never matches /data/foobar.
func isPathUnder(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return true
}

// statDir verifies path exists and is a readable directory.
func statDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	return nil
}

// isCancellation reports whether err is (or wraps) a context cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
