// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DetectedInstance is an *arr instance found on the local Docker host.
type DetectedInstance struct {
	App           App    `json:"app"`
	ContainerName string `json:"containerName"`
	URL           string `json:"url"`
}

const (
	sonarrDefaultPort = "8989"
	radarrDefaultPort = "7878"

	detectTimeout = 10 * time.Second
)

// DetectInstances inspects running Docker containers for Sonarr and Radarr.
// A container matches on its name or on the application's default port.
// Returns an empty slice when Docker is unavailable; detection is advisory
// and its absence is not an error for the caller.
func (s *Service) DetectInstances(ctx context.Context) ([]DetectedInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Ports}}")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("arr: docker not available, skipping autodetection")
		return []DetectedInstance{}, nil
	}

	return parseDockerPS(stdout.String()), nil
}

func parseDockerPS(output string) []DetectedInstance {
	instances := []DetectedInstance{}
	seen := map[App]bool{}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		name, ports, ok := strings.Cut(line, "\t")
		if !ok || name == "" {
			continue
		}

		app, port, matched := matchContainer(name, ports)
		if !matched || seen[app] {
			continue
		}
		seen[app] = true

		instances = append(instances, DetectedInstance{
			App:           app,
			ContainerName: name,
			URL:           fmt.Sprintf("http://localhost:%s", port),
		})
	}

	return instances
}

func matchContainer(name, ports string) (App, string, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, string(AppSonarr)) || strings.Contains(ports, ":"+sonarrDefaultPort):
		return AppSonarr, hostPort(ports, sonarrDefaultPort), true
	case strings.Contains(lower, string(AppRadarr)) || strings.Contains(ports, ":"+radarrDefaultPort):
		return AppRadarr, hostPort(ports, radarrDefaultPort), true
	}
	return "", "", false
}

// hostPort extracts the published host port for a container port, falling
// back to the default when the mapping cannot be parsed.
// Docker renders mappings as "0.0.0.0:8989->8989/tcp, :::8989->8989/tcp".
func hostPort(ports, containerPort string) string {
	for _, mapping := range strings.Split(ports, ",") {
		mapping = strings.TrimSpace(mapping)
		if !strings.Contains(mapping, "->"+containerPort+"/") {
			continue
		}
		published, _, ok := strings.Cut(mapping, "->")
		if !ok {
			continue
		}
		if idx := strings.LastIndex(published, ":"); idx >= 0 {
			if p := published[idx+1:]; p != "" {
				return p
			}
		}
	}
	return containerPort
}
