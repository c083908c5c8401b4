// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"fmt"
	"io"
	"os"

	"github.com/redriva/redriva/internal/models"
)

// phase1Result is a single phase-1 classification. ok and problem are
// mutually exclusive; every result increments total_analyzed.
type phase1Result struct {
	path    string
	target  string
	ok      bool
	dir     bool
	problem *models.Problem
}

// classifySymlink classifies one symlink. Checks are evaluated in priority
// order: resolution, accessibility, emptiness, readability.
func classifySymlink(path string, readCheckBytes int) phase1Result {
	res := phase1Result{path: path}

	// Resolved target is best-effort context for problem reports; a readable
	// link with an unresolvable chain is caught by the stat below.
	target, _ := os.Readlink(path)
	res.target = target

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			res.problem = &models.Problem{
				Type:   models.ProblemBrokenLink,
				Path:   path,
				Target: target,
				Reason: "symlink target does not exist",
			}
			return res
		}
		if os.IsPermission(err) {
			res.problem = &models.Problem{
				Type:   models.ProblemInaccessible,
				Path:   path,
				Target: target,
				Reason: fmt.Sprintf("target not accessible: %v", err),
			}
			return res
		}
		// ELOOP and friends: the chain cannot be resolved.
		res.problem = &models.Problem{
			Type:   models.ProblemBrokenLink,
			Path:   path,
			Target: target,
			Reason: fmt.Sprintf("symlink resolution failed: %v", err),
		}
		return res
	}

	// A link resolving to a directory is intact; size and read checks only
	// apply to files, and it is never a probe candidate.
	if info.IsDir() {
		res.ok = true
		res.dir = true
		return res
	}

	if info.Size() == 0 {
		res.problem = &models.Problem{
			Type:   models.ProblemEmptyFile,
			Path:   path,
			Target: target,
			Reason: "target file is empty (0 bytes)",
		}
		return res
	}

	if err := readCheck(path, readCheckBytes); err != nil {
		if os.IsPermission(err) {
			res.problem = &models.Problem{
				Type:   models.ProblemInaccessible,
				Path:   path,
				Target: target,
				Reason: fmt.Sprintf("target not readable: %v", err),
			}
			return res
		}
		res.problem = &models.Problem{
			Type:   models.ProblemIOError,
			Path:   path,
			Target: target,
			Reason: fmt.Sprintf("read error: %v", err),
		}
		return res
	}

	res.ok = true
	return res
}

// readCheck reads a bounded initial byte range to surface low-level I/O
// errors (bad sectors, stale mounts) that stat alone does not.
func readCheck(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.CopyN(io.Discard, f, int64(n)); err != nil && err != io.EOF {
		return err
	}
	return nil
}
