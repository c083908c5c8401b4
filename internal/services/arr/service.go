// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arr integrates with Sonarr and Radarr instances that manage the
// media library being scanned.
package arr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/buildinfo"
)

// App identifies which *arr application an instance runs.
type App string

const (
	AppSonarr App = "sonarr"
	AppRadarr App = "radarr"
)

// ParseApp validates an app identifier from a request.
func ParseApp(s string) (App, error) {
	switch App(strings.ToLower(s)) {
	case AppSonarr:
		return AppSonarr, nil
	case AppRadarr:
		return AppRadarr, nil
	default:
		return "", fmt.Errorf("unknown application: %q", s)
	}
}

// SystemStatus is the subset of the *arr system status payload we surface.
type SystemStatus struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}

const connectTimeout = 5 * time.Second

// Service tests connectivity against *arr HTTP APIs.
type Service struct {
	httpClient *http.Client
}

func NewService() *Service {
	return &Service{
		httpClient: &http.Client{Timeout: connectTimeout},
	}
}

// TestConnection verifies that an *arr instance is reachable and the API key
// is accepted. Transient connection failures are retried once; auth and
// protocol errors are not.
func (s *Service) TestConnection(ctx context.Context, baseURL, apiKey string) (*SystemStatus, error) {
	statusURL, err := joinStatusURL(baseURL)
	if err != nil {
		return nil, err
	}

	var status *SystemStatus
	err = retry.Do(
		func() error {
			var reqErr error
			status, reqErr = s.fetchStatus(ctx, statusURL, apiKey)
			return reqErr
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			// Only network-level failures are worth a second attempt.
			var httpErr *statusError
			return !errors.As(err, &httpErr)
		}),
	)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("url", baseURL).
		Str("app", status.AppName).
		Str("version", status.Version).
		Msg("arr: connection test succeeded")
	return status, nil
}

// statusError marks a non-2xx response; these are never retried.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	if e.code == http.StatusUnauthorized {
		return "authentication failed: invalid API key"
	}
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

func (s *Service) fetchStatus(ctx context.Context, statusURL, apiKey string) (*SystemStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build status request")
	}
	req.Header.Set("X-Api-Key", apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	req.Header.Set("Accept", "application/json")

	res, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &statusError{code: res.StatusCode}
	}

	var status SystemStatus
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return nil, errors.Wrap(err, "decode status response")
	}
	return &status, nil
}

func joinStatusURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL: %q", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v3/system/status"
	return u.String(), nil
}
