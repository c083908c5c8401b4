// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redriva/redriva/internal/database"
	"github.com/redriva/redriva/internal/models"
)

// fakeProber classifies files by name so tests run without ffprobe.
type fakeProber struct {
	mu     sync.Mutex
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, path string) (ProbeResult, error) {
	p.mu.Lock()
	p.probed = append(p.probed, path)
	p.mu.Unlock()

	name := filepath.Base(path)
	switch {
	case strings.HasPrefix(name, "corrupt"):
		return ProbeResult{Corrupted: true, Reason: "no media streams found in container"}, nil
	case strings.HasPrefix(name, "toolfail"):
		return ProbeResult{}, errProbeExec
	default:
		return ProbeResult{}, nil
	}
}

// blockingProber blocks the first probe until released, so tests can observe
// a run mid-flight deterministically.
type blockingProber struct {
	started   chan struct{}
	release   chan struct{}
	startOnce sync.Once
}

func newBlockingProber() *blockingProber {
	return &blockingProber{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (p *blockingProber) Probe(ctx context.Context, _ string) (ProbeResult, error) {
	p.startOnce.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return ProbeResult{}, nil
	case <-ctx.Done():
		return ProbeResult{}, ctx.Err()
	}
}

type testEnv struct {
	svc       *Service
	store     *models.ScanStore
	mediaRoot string
}

func newTestEnv(t *testing.T, prober Prober, mutate func(*models.ScanSettings)) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "scan.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mediaRoot := t.TempDir()
	settingsStore := models.NewSettingsStore(db)
	settings := models.DefaultScanSettings()
	settings.MediaRoot = mediaRoot
	settings.MaxWorkers = 2
	if mutate != nil {
		mutate(settings)
	}
	if err := settingsStore.Save(context.Background(), settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	store := models.NewScanStore(db)
	svc := NewService(DefaultConfig(), store, settingsStore, prober)
	return &testEnv{svc: svc, store: store, mediaRoot: mediaRoot}
}

// waitTerminal polls run status the way an API client would.
func waitTerminal(t *testing.T, svc *Service, runID int64) *models.ScanRun {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.Status(context.Background(), runID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %d did not reach a terminal state", runID)
	return nil
}

// seedLibrary builds a media tree with one of each phase-1 outcome and
// returns the symlink paths keyed by kind.
func seedLibrary(t *testing.T, mediaRoot string) map[string]string {
	t.Helper()

	shows := filepath.Join(mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	realFile := filepath.Join(mediaRoot, ".targets-valid.mkv")
	emptyFile := filepath.Join(mediaRoot, ".targets-empty.mkv")
	mustWriteFile(t, realFile, "media payload")
	mustWriteFile(t, emptyFile, "")

	links := map[string]string{
		"valid":  filepath.Join(shows, "valid.mkv"),
		"broken": filepath.Join(shows, "broken.mkv"),
		"empty":  filepath.Join(shows, "empty.mkv"),
	}
	mustSymlink(t, realFile, links["valid"])
	mustSymlink(t, filepath.Join(mediaRoot, "does-not-exist.mkv"), links["broken"])
	mustSymlink(t, emptyFile, links["empty"])

	// Regular files are never analyzed.
	mustWriteFile(t, filepath.Join(shows, "subtitle.srt"), "1")

	return links
}

func TestService_DryRunBasicScan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	links := seedLibrary(t, env.mediaRoot)

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{filepath.Join(env.mediaRoot, "shows")},
		Mode:          "dry_run",
		Depth:         "basic",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.ErrorMessage)
	}

	c := run.Counters
	if c.TotalAnalyzed != 3 {
		t.Fatalf("expected 3 analyzed, got %d", c.TotalAnalyzed)
	}
	if c.Phase1OK != 1 || c.Phase1Broken != 1 || c.Phase1Empty != 1 {
		t.Fatalf("unexpected phase1 counters: %+v", c)
	}
	if c.Phase2Analyzed != 0 || c.Phase2Corrupted != 0 {
		t.Fatalf("basic depth must not probe: %+v", c)
	}
	if c.FilesDeleted != 0 {
		t.Fatalf("dry run must not delete, got %d", c.FilesDeleted)
	}
	if len(run.Problems) != 2 {
		t.Fatalf("expected 2 problems, got %d: %+v", len(run.Problems), run.Problems)
	}

	// Dry run leaves the library untouched.
	for kind, link := range links {
		if _, err := os.Lstat(link); err != nil {
			t.Fatalf("%s link should still exist: %v", kind, err)
		}
	}

	// Invariant: total equals the sum of phase-1 outcomes.
	sum := c.Phase1OK + c.Phase1Broken + c.Phase1Inaccessible + c.Phase1Empty + c.Phase1IOError
	if c.TotalAnalyzed != sum {
		t.Fatalf("total %d != phase1 sum %d", c.TotalAnalyzed, sum)
	}
}

func TestService_RealModeDeletesProblemFiles(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	links := seedLibrary(t, env.mediaRoot)

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{filepath.Join(env.mediaRoot, "shows")},
		Mode:          "real",
		Depth:         "basic",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.ErrorMessage)
	}
	if run.Counters.FilesDeleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", run.Counters.FilesDeleted)
	}

	for _, kind := range []string{"broken", "empty"} {
		if _, err := os.Lstat(links[kind]); !os.IsNotExist(err) {
			t.Fatalf("%s link should be deleted, lstat err=%v", kind, err)
		}
	}
	if _, err := os.Lstat(links["valid"]); err != nil {
		t.Fatalf("valid link must survive: %v", err)
	}
}

func TestService_FullDepthProbesOKFilesOnly(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{}
	env := newTestEnv(t, prober, nil)

	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"clean.mkv", "corrupt.mkv", "toolfail.mkv"} {
		target := filepath.Join(env.mediaRoot, ".target-"+name)
		mustWriteFile(t, target, "payload")
		mustSymlink(t, target, filepath.Join(shows, name))
	}
	// Broken links never reach phase 2.
	mustSymlink(t, filepath.Join(env.mediaRoot, "gone"), filepath.Join(shows, "broken.mkv"))

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "dry_run",
		Depth:         "full",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.ErrorMessage)
	}

	c := run.Counters
	if c.TotalAnalyzed != 4 || c.Phase1OK != 3 || c.Phase1Broken != 1 {
		t.Fatalf("unexpected phase1 counters: %+v", c)
	}
	if c.Phase2Analyzed != 3 {
		t.Fatalf("expected 3 probed, got %d", c.Phase2Analyzed)
	}
	if c.Phase2Corrupted != 1 {
		t.Fatalf("expected 1 corrupted, got %d", c.Phase2Corrupted)
	}

	prober.mu.Lock()
	probed := len(prober.probed)
	prober.mu.Unlock()
	if probed != 3 {
		t.Fatalf("prober should see exactly the ok files, saw %d", probed)
	}

	var corrupted, ioErrors int
	for _, p := range run.Problems {
		switch p.Type {
		case models.ProblemCorruptedMedia:
			corrupted++
		case models.ProblemIOError:
			// A failing probe tool reports an io_error, never corruption.
			ioErrors++
			if !strings.Contains(p.Reason, "media probe failed") {
				t.Fatalf("unexpected io_error reason: %q", p.Reason)
			}
		}
	}
	if corrupted != 1 || ioErrors != 1 {
		t.Fatalf("expected 1 corrupted and 1 io_error problem, got %d/%d", corrupted, ioErrors)
	}
}

func TestService_ProbeFailuresNotDeletedByDefault(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	for _, name := range []string{"toolfail.mkv", "corrupt.mkv"} {
		target := filepath.Join(env.mediaRoot, ".target-"+name)
		mustWriteFile(t, target, "payload")
		mustSymlink(t, target, filepath.Join(shows, name))
	}
	mustSymlink(t, filepath.Join(env.mediaRoot, "gone"), filepath.Join(shows, "broken.mkv"))

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "real",
		Depth:         "full",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.ErrorMessage)
	}

	// The broken link and the corrupted file go; a file whose probe merely
	// failed to run was never verified bad and must survive.
	if run.Counters.FilesDeleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", run.Counters.FilesDeleted)
	}
	if _, err := os.Lstat(filepath.Join(shows, "toolfail.mkv")); err != nil {
		t.Fatalf("probe-failure link must survive: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(shows, "corrupt.mkv")); !os.IsNotExist(err) {
		t.Fatalf("corrupt link should be deleted, lstat err=%v", err)
	}

	var marked int
	for _, p := range run.Problems {
		if p.ProbeFailure {
			marked++
			if p.Type != models.ProblemIOError {
				t.Fatalf("probe failure recorded as %s, want io_error", p.Type)
			}
		}
	}
	if marked != 1 {
		t.Fatalf("expected 1 probe-failure problem, got %d: %+v", marked, run.Problems)
	}
}

func TestService_ProbeFailuresDeletedWhenOptedIn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, func(s *models.ScanSettings) {
		s.DeleteProbeFailures = true
	})
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(env.mediaRoot, ".target.mkv")
	link := filepath.Join(shows, "toolfail.mkv")
	mustWriteFile(t, target, "payload")
	mustSymlink(t, target, link)

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "real",
		Depth:         "full",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Counters.FilesDeleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", run.Counters.FilesDeleted)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("opted-in probe failure should be deleted, lstat err=%v", err)
	}
}

func TestService_SecondScanRejectedWhileActive(t *testing.T) {
	t.Parallel()

	prober := newBlockingProber()
	env := newTestEnv(t, prober, nil)

	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(env.mediaRoot, ".target.mkv")
	mustWriteFile(t, target, "payload")
	mustSymlink(t, target, filepath.Join(shows, "a.mkv"))

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "dry_run",
		Depth:         "full",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	<-prober.started

	_, err = env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "dry_run",
		Depth:         "basic",
	})
	if !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("expected ErrScanInProgress, got %v", err)
	}

	close(prober.release)
	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}

	// The slot frees once the run is terminal.
	nextID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "dry_run",
		Depth:         "basic",
	})
	if err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	waitTerminal(t, env.svc, nextID)
}

func TestService_CancelMidProbe(t *testing.T) {
	t.Parallel()

	prober := newBlockingProber()
	env := newTestEnv(t, prober, nil)

	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(env.mediaRoot, ".target.mkv")
	mustWriteFile(t, target, "payload")
	for _, name := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		mustSymlink(t, target, filepath.Join(shows, name))
	}

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "real",
		Depth:         "full",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	<-prober.started
	if err := env.svc.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	// Phase-1 results accumulated before the cancel are preserved.
	if run.Counters.TotalAnalyzed != 3 {
		t.Fatalf("expected phase1 to have completed, got %+v", run.Counters)
	}
	// A cancelled real-mode run performs no deletions.
	if run.Counters.FilesDeleted != 0 {
		t.Fatalf("cancelled run must not delete, got %d", run.Counters.FilesDeleted)
	}

	// Cancelling a finished run is a conflict, not a crash.
	err = env.svc.CancelRun(context.Background(), runID)
	if !errors.Is(err, ErrRunAlreadyFinished) {
		t.Fatalf("expected ErrRunAlreadyFinished, got %v", err)
	}
}

func TestService_CancelMidLinkCheck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	const linkCount = 10
	const maxWorkers = 2 // newTestEnv default
	target := filepath.Join(env.mediaRoot, ".target.mkv")
	mustWriteFile(t, target, "payload")
	for i := 0; i < linkCount; i++ {
		mustSymlink(t, target, filepath.Join(shows, fmt.Sprintf("ep%02d.mkv", i)))
	}

	// Gate classification so the cancel lands while phase 1 is in flight.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.svc.classify = func(path string, readCheckBytes int) phase1Result {
		once.Do(func() { close(started) })
		<-release
		return classifySymlink(path, readCheckBytes)
	}

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "real",
		Depth:         "basic",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	<-started
	if err := env.svc.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	run := waitTerminal(t, env.svc, runID)
	if run.Status != models.ScanStatusCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}

	// Each worker finishes its current file and then stops pulling, so
	// progress past the cancel is bounded by the pool size.
	analyzed := run.Counters.TotalAnalyzed
	if analyzed < 1 || analyzed > maxWorkers {
		t.Fatalf("expected 1..%d analyzed after cancel, got %d", maxWorkers, analyzed)
	}
	if run.Counters.FilesDeleted != 0 {
		t.Fatalf("cancelled run must not delete, got %d", run.Counters.FilesDeleted)
	}
	for i := 0; i < linkCount; i++ {
		if _, err := os.Lstat(filepath.Join(shows, fmt.Sprintf("ep%02d.mkv", i))); err != nil {
			t.Fatalf("link %d must survive a cancelled run: %v", i, err)
		}
	}
}

func TestService_CancelUnknownRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	err := env.svc.CancelRun(context.Background(), 9999)
	if !errors.Is(err, models.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestService_StartScanValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cases := []struct {
		name string
		req  StartRequest
	}{
		{"bad mode", StartRequest{SelectedPaths: []string{shows}, Mode: "destroy", Depth: "basic"}},
		{"bad depth", StartRequest{SelectedPaths: []string{shows}, Mode: "dry_run", Depth: "extreme"}},
		{"no paths", StartRequest{Mode: "dry_run", Depth: "basic"}},
		{"outside root", StartRequest{SelectedPaths: []string{"/etc"}, Mode: "dry_run", Depth: "basic"}},
		{"missing dir", StartRequest{SelectedPaths: []string{filepath.Join(env.mediaRoot, "nope")}, Mode: "dry_run", Depth: "basic"}},
	}
	for _, tc := range cases {
		_, err := env.svc.StartScan(context.Background(), tc.req)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestService_InaccessibleNotDeletedByDefault(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	env := newTestEnv(t, &fakeProber{}, nil)
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	target := filepath.Join(env.mediaRoot, ".locked.mkv")
	link := filepath.Join(shows, "locked.mkv")
	mustWriteFile(t, target, "payload")
	mustSymlink(t, target, link)
	if err := os.Chmod(target, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(target, 0o644) })

	runID, err := env.svc.StartScan(context.Background(), StartRequest{
		SelectedPaths: []string{shows},
		Mode:          "real",
		Depth:         "basic",
	})
	if err != nil {
		t.Fatalf("start scan: %v", err)
	}

	run := waitTerminal(t, env.svc, runID)
	if run.Counters.Phase1Inaccessible != 1 {
		t.Fatalf("expected 1 inaccessible, got %+v", run.Counters)
	}
	if run.Counters.FilesDeleted != 0 {
		t.Fatalf("inaccessible must not be deleted by default, got %d deletions", run.Counters.FilesDeleted)
	}
	if _, err := os.Lstat(link); err != nil {
		t.Fatalf("inaccessible link must survive: %v", err)
	}
}

func TestService_HistoryKeepsThreeMostRecent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)
	shows := filepath.Join(env.mediaRoot, "shows")
	if err := os.MkdirAll(shows, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		runID, err := env.svc.StartScan(context.Background(), StartRequest{
			SelectedPaths: []string{shows},
			Mode:          "dry_run",
			Depth:         "basic",
		})
		if err != nil {
			t.Fatalf("start scan: %v", err)
		}
		waitTerminal(t, env.svc, runID)
		lastID = runID
	}

	runs, err := env.svc.History(context.Background())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 historical runs, got %d", len(runs))
	}
	if runs[0].ID != lastID {
		t.Fatalf("expected newest run first, got %d (want %d)", runs[0].ID, lastID)
	}
}

func TestService_RecoverStuckRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeProber{}, nil)

	// Simulate a crash: a run stuck in running with no goroutine behind it.
	runID, err := env.store.CreateRunIfNoActive(context.Background(),
		models.ScanModeDryRun, models.ScanDepthBasic, []string{env.mediaRoot})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := env.store.MarkRunning(context.Background(), runID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := env.svc.RecoverStuckRuns(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	run, err := env.svc.Status(context.Background(), runID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if run.Status != models.ScanStatusError {
		t.Fatalf("expected error status after recovery, got %s", run.Status)
	}
}
