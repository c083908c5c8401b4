// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package symlinkscan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ProbeResult is the outcome of a media-container probe.
type ProbeResult struct {
	// Corrupted is true when the probe ran and reported a bad container:
	// non-zero exit, no streams, or decode errors.
	Corrupted bool

	// Reason describes why the file was classified corrupted.
	Reason string
}

// Prober inspects a media file's container integrity.
// Extracted as an interface to enable unit testing without ffprobe installed.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// errProbeExec marks failures to run the probe at all (binary missing, spawn
// failure). Distinct from probe-reported corruption: a broken tool must not
// condemn the file as corrupted media.
var errProbeExec = errors.New("media probe execution failed")

// ffprobeProber probes files by spawning ffprobe. Process spawn plus decode
// dominates scan cost in full depth; one invocation per candidate file.
type ffprobeProber struct {
	binary  string
	timeout time.Duration
}

// NewFFProbeProber creates the default ffprobe-backed prober.
func NewFFProbeProber(binary string, timeout time.Duration) Prober {
	return &ffprobeProber{binary: binary, timeout: timeout}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Error struct {
		String string `json:"string"`
	} `json:"error"`
}

func (p *ffprobeProber) Probe(ctx context.Context, path string) (ProbeResult, error) {
	// A started probe delivers its verdict or hits its own timeout. Run
	// cancellation is observed between files, not by killing the process.
	if err := ctx.Err(); err != nil {
		return ProbeResult{}, err
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, p.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_error",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		// fall through to output inspection
	case errors.As(err, &exitErr):
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = fmt.Sprintf("probe exited with code %d", exitErr.ExitCode())
		}
		log.Debug().
			Str("path", path).
			Int("exitCode", exitErr.ExitCode()).
			Dur("duration", duration).
			Msg("symlinkscan: probe reported corruption")
		return ProbeResult{Corrupted: true, Reason: truncateReason(reason)}, nil
	default:
		// Start failure or timeout: the probe never delivered a verdict.
		return ProbeResult{}, fmt.Errorf("%w: %v", errProbeExec, err)
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: parse probe output: %v", errProbeExec, err)
	}

	if out.Error.String != "" {
		return ProbeResult{Corrupted: true, Reason: truncateReason(out.Error.String)}, nil
	}
	if len(out.Streams) == 0 {
		return ProbeResult{Corrupted: true, Reason: "no media streams found in container"}, nil
	}

	log.Trace().
		Str("path", path).
		Int("streams", len(out.Streams)).
		Dur("duration", duration).
		Msg("symlinkscan: probe clean")
	return ProbeResult{}, nil
}

// truncateReason bounds problem reasons so a noisy probe cannot bloat the
// persisted problem list.
func truncateReason(reason string) string {
	const maxLen = 500
	if len(reason) > maxLen {
		return reason[:maxLen] + "..."
	}
	return reason
}
