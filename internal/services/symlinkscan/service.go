// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package symlinkscan verifies symlink integrity under a media root and
// optionally removes files with verifiable problems.
//
// A scan runs in two phases: phase 1 classifies every symlink by resolving
// the link and checking the target (broken, inaccessible, empty, I/O error);
// phase 2, in full verification depth only, probes phase-1 "ok" files with
// an external media prober. Both phases share one bounded worker pool of the
// configured size; phase-2 throughput is necessarily lower for the same
// worker count because each item spawns a probe process. The pool is not
// re-sized between phases.
package symlinkscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/models"
)

// Service owns the single-active-run slot, the run state machine, progress
// aggregation and cancellation signaling.
type Service struct {
	cfg           Config
	store         *models.ScanStore
	settingsStore *models.SettingsStore
	prober        Prober

	// classify is the phase-1 check, swappable in tests.
	classify func(path string, readCheckBytes int) phase1Result

	live liveRun

	// In-memory cancel handles keyed by run id.
	cancelMu sync.Mutex
	cancels  map[int64]context.CancelFunc

	runWG sync.WaitGroup
}

// NewService creates a scan service. A nil prober falls back to ffprobe.
func NewService(cfg Config, store *models.ScanStore, settingsStore *models.SettingsStore, prober Prober) *Service {
	if cfg.ProbeBinary == "" {
		cfg.ProbeBinary = DefaultConfig().ProbeBinary
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if cfg.ReadCheckBytes <= 0 {
		cfg.ReadCheckBytes = DefaultConfig().ReadCheckBytes
	}
	if prober == nil {
		prober = NewFFProbeProber(cfg.ProbeBinary, cfg.ProbeTimeout)
	}
	return &Service{
		cfg:           cfg,
		store:         store,
		settingsStore: settingsStore,
		prober:        prober,
		classify:      classifySymlink,
		cancels:       make(map[int64]context.CancelFunc),
	}
}

// RecoverStuckRuns marks runs left active by a crash as errored.
// Must be called once on startup before scans are accepted.
func (s *Service) RecoverStuckRuns(ctx context.Context) error {
	return s.store.MarkStuckRunsErrored(ctx, "scan interrupted by restart")
}

// StartRequest describes a scan start call from the presentation layer.
type StartRequest struct {
	SelectedPaths []string `json:"selectedPaths"`
	Mode          string   `json:"mode"`
	Depth         string   `json:"depth"`
}

// StartScan validates the request, acquires the single-active-run slot and
// launches the scan in the background. Returns the run id immediately; it
// never blocks on completion.
func (s *Service) StartScan(ctx context.Context, req StartRequest) (int64, error) {
	mode, err := models.ParseScanMode(req.Mode)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	depth, err := models.ParseScanDepth(req.Depth)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(req.SelectedPaths) == 0 {
		return 0, fmt.Errorf("%w: no directories selected", ErrValidation)
	}

	// Snapshot the configuration; edits after this point do not affect the run.
	settings, err := s.settingsStore.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("get scan settings: %w", err)
	}
	if err := statDir(settings.MediaRoot); err != nil {
		return 0, fmt.Errorf("%w: media root %s: %v", ErrConfiguration, settings.MediaRoot, err)
	}
	for _, p := range req.SelectedPaths {
		if !isPathUnder(p, settings.MediaRoot) {
			return 0, fmt.Errorf("%w: path outside media root: %s", ErrValidation, p)
		}
		if err := statDir(p); err != nil {
			return 0, fmt.Errorf("%w: selected path %s: %v", ErrValidation, p, err)
		}
	}

	runID, err := s.store.CreateRunIfNoActive(ctx, mode, depth, req.SelectedPaths)
	if errors.Is(err, models.ErrRunAlreadyActive) {
		return 0, ErrScanInProgress
	}
	if err != nil {
		return 0, err
	}

	run := &models.ScanRun{
		ID:            runID,
		Status:        models.ScanStatusPending,
		Phase:         models.ScanPhaseNone,
		Mode:          mode,
		Depth:         depth,
		SelectedPaths: append([]string(nil), req.SelectedPaths...),
		Problems:      []models.Problem{},
		StartedAt:     time.Now(),
	}
	s.live.publish(run)

	// The run outlives the request; cancellation goes through CancelRun.
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelMu.Lock()
	s.cancels[runID] = cancel
	s.cancelMu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer func() {
			s.cancelMu.Lock()
			delete(s.cancels, runID)
			s.cancelMu.Unlock()
			s.runWG.Done()
		}()
		s.executeScan(runCtx, run, settings)
	}()

	log.Info().
		Int64("run", runID).
		Str("mode", string(mode)).
		Str("depth", string(depth)).
		Int("paths", len(req.SelectedPaths)).
		Msg("symlinkscan: scan started")

	return runID, nil
}

// Status returns a snapshot of a run: the live snapshot while it is active,
// the persisted row once terminal. Never blocks the scan.
func (s *Service) Status(ctx context.Context, runID int64) (*models.ScanRun, error) {
	if live := s.live.load(); live != nil && live.ID == runID {
		return live, nil
	}
	return s.store.GetRun(ctx, runID)
}

// CancelRun requests cooperative cancellation of an active run. Workers
// observe the signal at file boundaries; an in-flight probe finishes first.
// The transition to cancelled is therefore eventual, not immediate.
func (s *Service) CancelRun(ctx context.Context, runID int64) error {
	s.cancelMu.Lock()
	cancel, active := s.cancels[runID]
	s.cancelMu.Unlock()

	if active {
		cancel()
		log.Info().Int64("run", runID).Msg("symlinkscan: cancellation requested")
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRunAlreadyFinished, run.Status)
}

// History returns up to the three most recent terminal runs, newest first.
func (s *Service) History(ctx context.Context) ([]*models.ScanRun, error) {
	return s.store.ListRecent(ctx, 0)
}

// Shutdown cancels any active run and waits for it to persist its terminal
// state, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) {
	s.cancelMu.Lock()
	for id, cancel := range s.cancels {
		log.Info().Int64("run", id).Msg("symlinkscan: cancelling run for shutdown")
		cancel()
	}
	s.cancelMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("symlinkscan: shutdown timed out waiting for active run")
	}
}

// Directories lists candidate scan directories under the configured media root.
func (s *Service) Directories(ctx context.Context) ([]DirectoryDescriptor, error) {
	settings, err := s.settingsStore.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get scan settings: %w", err)
	}
	return ListDirectories(ctx, settings.MediaRoot)
}

// executeScan drives a run to a terminal state. It is the single aggregation
// point: workers submit results over channels and only this goroutine touches
// the run struct.
func (s *Service) executeScan(ctx context.Context, run *models.ScanRun, settings *models.ScanSettings) {
	start := time.Now()

	if err := s.store.MarkRunning(context.Background(), run.ID); err != nil {
		log.Error().Err(err).Int64("run", run.ID).Msg("symlinkscan: failed to mark run running")
	}
	run.Status = models.ScanStatusRunning
	run.Phase = models.ScanPhaseLink
	s.live.publish(run)

	okPaths, fatalErr := s.runPhase1(ctx, run, settings)

	if fatalErr == nil && ctx.Err() == nil && run.Depth == models.ScanDepthFull && len(okPaths) > 0 {
		run.Phase = models.ScanPhaseProbe
		s.live.publish(run)
		s.runPhase2(ctx, run, settings, okPaths)
	}

	if fatalErr == nil && ctx.Err() == nil && run.Mode == models.ScanModeReal {
		s.runDeletions(ctx, run, settings)
	}

	now := time.Now()
	run.Duration = now.Sub(start).Seconds()
	run.CompletedAt = &now

	switch {
	case ctx.Err() != nil:
		run.Status = models.ScanStatusCancelled
		log.Info().Int64("run", run.ID).Int("analyzed", run.Counters.TotalAnalyzed).
			Msg("symlinkscan: scan cancelled")
	case fatalErr != nil:
		run.Status = models.ScanStatusError
		run.ErrorMessage = fatalErr.Error()
		log.Error().Err(fatalErr).Int64("run", run.ID).Msg("symlinkscan: scan failed")
	default:
		run.Status = models.ScanStatusCompleted
		log.Info().
			Int64("run", run.ID).
			Int("analyzed", run.Counters.TotalAnalyzed).
			Int("problems", len(run.Problems)).
			Int("deleted", run.Counters.FilesDeleted).
			Dur("duration", now.Sub(start)).
			Msg("symlinkscan: scan completed")
	}

	// Publish the terminal snapshot before persisting so polls during the
	// write still see consistent state; clear only after the row is durable.
	s.live.publish(run)
	if err := s.store.FinalizeRun(context.Background(), run); err != nil {
		log.Error().Err(err).Int64("run", run.ID).Msg("symlinkscan: failed to persist terminal run")
	}
	s.live.clear()
}

// runPhase1 walks the selected paths and classifies every symlink over the
// worker pool. Returns the paths classified ok (phase-2 candidates) and any
// fatal error that aborts the run.
func (s *Service) runPhase1(ctx context.Context, run *models.ScanRun, settings *models.ScanSettings) ([]string, error) {
	paths := make(chan string, 128)
	results := make(chan phase1Result, 128)

	// Walker: feeds the pool, emits unreadable-subtree problems directly.
	walkErrCh := make(chan error, 1)
	go func() {
		defer close(paths)
		var firstErr error
		for _, root := range run.SelectedPaths {
			if ctx.Err() != nil {
				break
			}
			if err := walkSymlinks(ctx, root, paths, results); err != nil && !isCancellation(err) {
				if firstErr == nil {
					firstErr = err
				}
				// A selected root failing wholesale is fatal for the run;
				// remaining roots are still walked so partial state is maximal.
				log.Error().Err(err).Str("root", root).Msg("symlinkscan: walk failed")
			}
		}
		walkErrCh <- firstErr
	}()

	// Bounded worker pool. Workers check for cancellation before pulling
	// the next item, never mid-file.
	var wg sync.WaitGroup
	for i := 0; i < settings.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				if ctx.Err() != nil {
					return
				}
				results <- s.classify(path, s.cfg.ReadCheckBytes)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var okPaths []string
	for res := range results {
		run.Counters.TotalAnalyzed++
		switch {
		case res.ok:
			run.Counters.Phase1OK++
			if run.Depth == models.ScanDepthFull && !res.dir {
				okPaths = append(okPaths, res.path)
			}
		case res.problem.Type == models.ProblemBrokenLink:
			run.Counters.Phase1Broken++
			run.Problems = append(run.Problems, *res.problem)
		case res.problem.Type == models.ProblemInaccessible:
			run.Counters.Phase1Inaccessible++
			run.Problems = append(run.Problems, *res.problem)
		case res.problem.Type == models.ProblemEmptyFile:
			run.Counters.Phase1Empty++
			run.Problems = append(run.Problems, *res.problem)
		case res.problem.Type == models.ProblemIOError:
			run.Counters.Phase1IOError++
			run.Problems = append(run.Problems, *res.problem)
		}
		s.live.publish(run)
	}

	return okPaths, <-walkErrCh
}

// phase2Result carries one probe outcome to the aggregation point.
type phase2Result struct {
	path    string
	probe   ProbeResult
	execErr error
}

// runPhase2 probes phase-1 "ok" files for container corruption, reusing the
// same pool size as phase 1.
func (s *Service) runPhase2(ctx context.Context, run *models.ScanRun, settings *models.ScanSettings, okPaths []string) {
	paths := make(chan string, len(okPaths))
	for _, p := range okPaths {
		paths <- p
	}
	close(paths)

	results := make(chan phase2Result, 64)

	var wg sync.WaitGroup
	for i := 0; i < settings.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				if ctx.Err() != nil {
					return
				}
				// An in-flight probe runs to its verdict or its own timeout;
				// cancellation takes effect at the next file boundary. A
				// verdict delivered before the cancel is still recorded.
				probe, err := s.prober.Probe(ctx, path)
				if err != nil && isCancellation(err) {
					return
				}
				results <- phase2Result{path: path, probe: probe, execErr: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		run.Counters.Phase2Analyzed++
		switch {
		case res.execErr != nil:
			// The probe itself failed to run; the file is not condemned and
			// the marker keeps it out of the default deletable set.
			run.Problems = append(run.Problems, models.Problem{
				Type:         models.ProblemIOError,
				Path:         res.path,
				Reason:       fmt.Sprintf("media probe failed: %v", res.execErr),
				ProbeFailure: true,
			})
		case res.probe.Corrupted:
			run.Counters.Phase2Corrupted++
			run.Problems = append(run.Problems, models.Problem{
				Type:   models.ProblemCorruptedMedia,
				Path:   res.path,
				Reason: res.probe.Reason,
			})
		}
		s.live.publish(run)
	}
}

// runDeletions removes files for deletable problems, best-effort per item.
// Failures are recorded on the problem's reason and never abort the run.
func (s *Service) runDeletions(ctx context.Context, run *models.ScanRun, settings *models.ScanSettings) {
	for i := range run.Problems {
		if ctx.Err() != nil {
			return
		}

		problem := &run.Problems[i]
		if !problem.Deletable(settings) {
			continue
		}

		if err := safeDeleteSymlink(settings.MediaRoot, problem.Path); err != nil {
			problem.Reason += fmt.Sprintf(" (deletion failed: %v)", err)
			log.Warn().Err(err).Str("path", problem.Path).Int64("run", run.ID).
				Msg("symlinkscan: deletion failed")
		} else {
			run.Counters.FilesDeleted++
			log.Info().Str("path", problem.Path).Int64("run", run.ID).
				Msg("symlinkscan: deleted file")
		}
		s.live.publish(run)
	}
}
