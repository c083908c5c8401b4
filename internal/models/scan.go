// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redriva/redriva/internal/dbinterface"
)

var (
	// ErrRunAlreadyActive is returned when a scan is requested while another
	// run is pending or running.
	ErrRunAlreadyActive = errors.New("a scan run is already active")

	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("scan run not found")
)

// ScanMode controls whether problems are deleted or only reported.
type ScanMode string

const (
	ScanModeDryRun ScanMode = "dry_run"
	ScanModeReal   ScanMode = "real"
)

// ParseScanMode validates a mode string.
func ParseScanMode(value string) (ScanMode, error) {
	switch ScanMode(value) {
	case ScanModeDryRun, ScanModeReal:
		return ScanMode(value), nil
	default:
		return "", fmt.Errorf("invalid scan mode: %q (must be 'dry_run' or 'real')", value)
	}
}

// ScanDepth controls whether the media-container probe phase runs.
type ScanDepth string

const (
	ScanDepthBasic ScanDepth = "basic"
	ScanDepthFull  ScanDepth = "full"
)

// ParseScanDepth validates a depth string.
func ParseScanDepth(value string) (ScanDepth, error) {
	switch ScanDepth(value) {
	case ScanDepthBasic, ScanDepthFull:
		return ScanDepth(value), nil
	default:
		return "", fmt.Errorf("invalid verification depth: %q (must be 'basic' or 'full')", value)
	}
}

// ScanStatus is the run lifecycle state.
// pending -> running -> completed | cancelled | error (terminal).
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusCancelled ScanStatus = "cancelled"
	ScanStatusError     ScanStatus = "error"
)

// IsTerminal reports whether no further transition can occur.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusCancelled, ScanStatusError:
		return true
	}
	return false
}

// ScanPhase identifies the verification stage a running scan is in.
type ScanPhase string

const (
	ScanPhaseNone  ScanPhase = "none"
	ScanPhaseLink  ScanPhase = "phase1"
	ScanPhaseProbe ScanPhase = "phase2"
)

// ProblemType is the closed set of per-file problem classifications.
type ProblemType string

const (
	ProblemBrokenLink     ProblemType = "broken_link"
	ProblemInaccessible   ProblemType = "inaccessible"
	ProblemEmptyFile      ProblemType = "empty_file"
	ProblemIOError        ProblemType = "io_error"
	ProblemCorruptedMedia ProblemType = "corrupted_media"
)

// deletableProblemTypes is the default deletion policy. Inaccessible entries
// are excluded: the engine cannot reliably act on paths it cannot access, so
// deleting them is opt-in via settings.
var deletableProblemTypes = map[ProblemType]bool{
	ProblemBrokenLink:     true,
	ProblemInaccessible:   false,
	ProblemEmptyFile:      true,
	ProblemIOError:        true,
	ProblemCorruptedMedia: true,
}

// Valid reports whether t is a known problem type.
func (t ProblemType) Valid() bool {
	_, ok := deletableProblemTypes[t]
	return ok
}

// Problem is a single finding recorded against a symlink path.
type Problem struct {
	Type   ProblemType `json:"type"`
	Path   string      `json:"path"`
	Target string      `json:"target,omitempty"`
	Reason string      `json:"reason"`

	// ProbeFailure marks an io_error raised because the media probe itself
	// failed to run, as opposed to a phase-1 read failure on the file. The
	// file was never verified bad, so these are not deletable by default.
	ProbeFailure bool `json:"probeFailure,omitempty"`
}

// Deletable reports whether this problem may be deleted in real mode under
// the configured policy. Inaccessible entries and probe execution failures
// are opt-in: in both cases the engine could not verify the file itself.
func (p Problem) Deletable(settings *ScanSettings) bool {
	if p.ProbeFailure {
		return settings.DeleteProbeFailures
	}
	if p.Type == ProblemInaccessible {
		return settings.DeleteInaccessible
	}
	return deletableProblemTypes[p.Type]
}

// ScanCounters are the monotonically non-decreasing per-run counters.
type ScanCounters struct {
	TotalAnalyzed      int `json:"totalAnalyzed"`
	Phase1OK           int `json:"phase1Ok"`
	Phase1Broken       int `json:"phase1Broken"`
	Phase1Inaccessible int `json:"phase1Inaccessible"`
	Phase1Empty        int `json:"phase1Empty"`
	Phase1IOError      int `json:"phase1IoError"`
	Phase2Analyzed     int `json:"phase2Analyzed"`
	Phase2Corrupted    int `json:"phase2Corrupted"`
	FilesDeleted       int `json:"filesDeleted"`
}

// ScanRun is a single scan, live or historical.
type ScanRun struct {
	ID            int64        `json:"id"`
	Status        ScanStatus   `json:"status"`
	Phase         ScanPhase    `json:"phase"`
	Mode          ScanMode     `json:"mode"`
	Depth         ScanDepth    `json:"depth"`
	SelectedPaths []string     `json:"selectedPaths"`
	Counters      ScanCounters `json:"-"`
	Duration      float64      `json:"durationSeconds"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	Problems      []Problem    `json:"problems"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
}

// MarshalJSON flattens the counters into the run object for the API.
func (r ScanRun) MarshalJSON() ([]byte, error) {
	type alias ScanRun
	return json.Marshal(struct {
		alias
		ScanCounters
	}{alias(r), r.Counters})
}

// historyWindow is the number of terminal runs retained.
const historyWindow = 3

// ScanStore persists scan runs and enforces the single-active-run slot and
// the bounded history window.
type ScanStore struct {
	db dbinterface.Querier
}

// NewScanStore creates a ScanStore.
func NewScanStore(db dbinterface.Querier) *ScanStore {
	return &ScanStore{db: db}
}

// CreateRunIfNoActive atomically creates a pending run unless one is already
// pending or running. The guarded INSERT avoids a check-then-insert race,
// mirroring how an active slot must behave under concurrent start requests.
func (s *ScanStore) CreateRunIfNoActive(ctx context.Context, mode ScanMode, depth ScanDepth, selectedPaths []string) (int64, error) {
	pathsJSON, err := json.Marshal(selectedPaths)
	if err != nil {
		return 0, fmt.Errorf("marshal selected paths: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (status, phase, mode, depth, selected_paths)
		SELECT 'pending', 'none', ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM scan_runs WHERE status IN ('pending', 'running')
		)
	`, string(mode), string(depth), string(pathsJSON))
	if err != nil {
		return 0, fmt.Errorf("insert scan run: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrRunAlreadyActive
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// MarkRunning transitions a pending run to running.
func (s *ScanStore) MarkRunning(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'running' WHERE id = ? AND status = 'pending'
	`, runID)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal state of a run and evicts history beyond
// the retention window. Exactly one finalize happens per run.
func (s *ScanStore) FinalizeRun(ctx context.Context, run *ScanRun) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("cannot finalize run in non-terminal status %q", run.Status)
	}

	problemsJSON, err := json.Marshal(run.Problems)
	if err != nil {
		return fmt.Errorf("marshal problems: %w", err)
	}

	// The caller's completion time is the one the live snapshot and the
	// duration were computed from; persist it rather than a second clock read.
	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	c := run.Counters
	_, err = s.db.ExecContext(ctx, `
		UPDATE scan_runs SET
			status = ?, phase = ?, total_analyzed = ?,
			phase1_ok = ?, phase1_broken = ?, phase1_inaccessible = ?,
			phase1_empty = ?, phase1_io_error = ?,
			phase2_analyzed = ?, phase2_corrupted = ?, files_deleted = ?,
			duration_seconds = ?, error_message = ?, problems = ?,
			completed_at = ?
		WHERE id = ?
	`, string(run.Status), string(run.Phase), c.TotalAnalyzed,
		c.Phase1OK, c.Phase1Broken, c.Phase1Inaccessible,
		c.Phase1Empty, c.Phase1IOError,
		c.Phase2Analyzed, c.Phase2Corrupted, c.FilesDeleted,
		run.Duration, run.ErrorMessage, string(problemsJSON),
		completedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finalize scan run: %w", err)
	}

	return s.evictHistory(ctx)
}

// evictHistory removes terminal runs beyond the retention window,
// oldest first by creation timestamp.
func (s *ScanStore) evictHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scan_runs
		WHERE status IN ('completed', 'cancelled', 'error')
		  AND id NOT IN (
			SELECT id FROM scan_runs
			WHERE status IN ('completed', 'cancelled', 'error')
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		)
	`, historyWindow)
	if err != nil {
		return fmt.Errorf("evict scan history: %w", err)
	}
	return nil
}

// MarkStuckRunsErrored marks runs left pending/running by a crash as errored.
// Called once on startup, before the orchestrator accepts new scans.
func (s *ScanStore) MarkStuckRunsErrored(ctx context.Context, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = 'error', error_message = ?, completed_at = CURRENT_TIMESTAMP
		WHERE status IN ('pending', 'running')
	`, message)
	if err != nil {
		return fmt.Errorf("mark stuck runs errored: %w", err)
	}
	return s.evictHistory(ctx)
}

// GetRun retrieves a run by id. Returns ErrRunNotFound when absent.
func (s *ScanStore) GetRun(ctx context.Context, runID int64) (*ScanRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, phase, mode, depth, selected_paths,
		       total_analyzed, phase1_ok, phase1_broken, phase1_inaccessible,
		       phase1_empty, phase1_io_error, phase2_analyzed, phase2_corrupted,
		       files_deleted, duration_seconds, error_message, problems,
		       started_at, completed_at
		FROM scan_runs
		WHERE id = ?
	`, runID)

	run, err := scanRunFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRecent returns up to limit terminal runs, newest first.
func (s *ScanStore) ListRecent(ctx context.Context, limit int) ([]*ScanRun, error) {
	if limit <= 0 || limit > historyWindow {
		limit = historyWindow
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, phase, mode, depth, selected_paths,
		       total_analyzed, phase1_ok, phase1_broken, phase1_inaccessible,
		       phase1_empty, phase1_io_error, phase2_analyzed, phase2_corrupted,
		       files_deleted, duration_seconds, error_message, problems,
		       started_at, completed_at
		FROM scan_runs
		WHERE status IN ('completed', 'cancelled', 'error')
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*ScanRun, 0, limit)
	for rows.Next() {
		run, err := scanRunFromRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunFromRow(row rowScanner) (*ScanRun, error) {
	var (
		run           ScanRun
		pathsJSON     string
		problemsJSON  string
		status, phase string
		mode, depth   string
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&run.ID, &status, &phase, &mode, &depth, &pathsJSON,
		&run.Counters.TotalAnalyzed, &run.Counters.Phase1OK, &run.Counters.Phase1Broken,
		&run.Counters.Phase1Inaccessible, &run.Counters.Phase1Empty, &run.Counters.Phase1IOError,
		&run.Counters.Phase2Analyzed, &run.Counters.Phase2Corrupted, &run.Counters.FilesDeleted,
		&run.Duration, &run.ErrorMessage, &problemsJSON,
		&run.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = ScanStatus(status)
	run.Phase = ScanPhase(phase)
	run.Mode = ScanMode(mode)
	run.Depth = ScanDepth(depth)

	if err := json.Unmarshal([]byte(pathsJSON), &run.SelectedPaths); err != nil {
		return nil, fmt.Errorf("unmarshal selected paths: %w", err)
	}
	if err := json.Unmarshal([]byte(problemsJSON), &run.Problems); err != nil {
		return nil, fmt.Errorf("unmarshal problems: %w", err)
	}
	if run.Problems == nil {
		run.Problems = []Problem{}
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}

	return &run, nil
}
