// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import "time"

// Config holds the service configuration. Worker count comes from the
// persisted scan settings, not from here; these knobs are operational.
type Config struct {
	// ProbeBinary is the media probe executable. Must be on PATH or absolute.
	ProbeBinary string

	// ProbeTimeout bounds a single probe invocation. An in-flight probe is
	// allowed to run to completion or timeout; it is never force-killed by
	// scan cancellation.
	ProbeTimeout time.Duration

	// ReadCheckBytes is the size of the bounded read used to surface
	// low-level I/O errors during phase 1.
	ReadCheckBytes int
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		ProbeBinary:    "ffprobe",
		ProbeTimeout:   60 * time.Second,
		ReadCheckBytes: 64 * 1024,
	}
}
