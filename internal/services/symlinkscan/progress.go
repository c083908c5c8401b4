// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"sync/atomic"

	"github.com/redriva/redriva/internal/models"
)

// liveRun publishes immutable snapshots of the active run. The aggregation
// goroutine is the only writer; status reads load the latest snapshot and
// never block the scan.
type liveRun struct {
	snapshot atomic.Pointer[models.ScanRun]
}

// publish stores a deep copy of run as the new current snapshot.
func (l *liveRun) publish(run *models.ScanRun) {
	l.snapshot.Store(copyRun(run))
}

// load returns the latest snapshot, or nil when no run is active.
func (l *liveRun) load() *models.ScanRun {
	return l.snapshot.Load()
}

// clear drops the snapshot once the run is persisted as terminal.
func (l *liveRun) clear() {
	l.snapshot.Store(nil)
}

// copyRun deep-copies a run so published snapshots share no mutable state
// with the aggregator.
func copyRun(run *models.ScanRun) *models.ScanRun {
	cp := *run
	cp.SelectedPaths = append([]string(nil), run.SelectedPaths...)
	cp.Problems = append([]models.Problem(nil), run.Problems...)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
