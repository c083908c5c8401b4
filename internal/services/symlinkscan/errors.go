// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import "errors"

var (
	// ErrScanInProgress is returned when a scan is requested while another
	// run is pending or running. No new run is created.
	ErrScanInProgress = errors.New("a scan is already in progress")

	// ErrRunAlreadyFinished is returned when cancelling a terminal run.
	ErrRunAlreadyFinished = errors.New("scan run already finished")

	// ErrValidation marks start requests rejected before a run is created
	// (empty selection, invalid mode or depth, paths outside the media root).
	ErrValidation = errors.New("invalid scan request")

	// ErrConfiguration marks failures caused by the configured media root
	// being missing or unreadable.
	ErrConfiguration = errors.New("invalid scan configuration")
)
