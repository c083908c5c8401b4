// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redriva/redriva/internal/dbinterface"
)

// ScanSettings is the persisted scan configuration. A running scan snapshots
// these values at start; later edits never affect an in-flight run.
type ScanSettings struct {
	MediaRoot          string `json:"mediaRoot"`
	MaxWorkers         int    `json:"maxWorkers"`
	DeleteInaccessible bool   `json:"deleteInaccessible"`

	// DeleteProbeFailures widens real-mode deletion to files whose phase-2
	// probe failed to execute. Off by default: a missing or broken probe
	// binary must not condemn an otherwise healthy library.
	DeleteProbeFailures bool `json:"deleteProbeFailures"`

	SonarrEnabled bool   `json:"sonarrEnabled"`
	SonarrURL     string `json:"sonarrUrl"`
	SonarrAPIKey  string `json:"sonarrApiKey"`
	RadarrEnabled bool   `json:"radarrEnabled"`
	RadarrURL     string `json:"radarrUrl"`
	RadarrAPIKey  string `json:"radarrApiKey"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultScanSettings returns the settings used before any are saved.
func DefaultScanSettings() *ScanSettings {
	return &ScanSettings{
		MediaRoot:  "/app/medias",
		MaxWorkers: 4,
		SonarrURL:  "http://localhost:8989",
		RadarrURL:  "http://localhost:7878",
	}
}

// Validate checks settings before persisting.
func (s *ScanSettings) Validate() error {
	if strings.TrimSpace(s.MediaRoot) == "" {
		return errors.New("media root is required")
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be >= 1, got %d", s.MaxWorkers)
	}
	return nil
}

// SettingsStore persists the singleton scan configuration.
type SettingsStore struct {
	db dbinterface.Querier
}

// NewSettingsStore creates a SettingsStore.
func NewSettingsStore(db dbinterface.Querier) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get retrieves the scan settings, falling back to defaults when none are saved.
func (s *SettingsStore) Get(ctx context.Context) (*ScanSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT media_root, max_workers, delete_inaccessible, delete_probe_failures,
		       sonarr_enabled, sonarr_url, sonarr_api_key,
		       radarr_enabled, radarr_url, radarr_api_key,
		       updated_at
		FROM scan_settings
		WHERE id = 1
	`)

	var settings ScanSettings
	err := row.Scan(
		&settings.MediaRoot, &settings.MaxWorkers, &settings.DeleteInaccessible, &settings.DeleteProbeFailures,
		&settings.SonarrEnabled, &settings.SonarrURL, &settings.SonarrAPIKey,
		&settings.RadarrEnabled, &settings.RadarrURL, &settings.RadarrAPIKey,
		&settings.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultScanSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan settings: %w", err)
	}

	return &settings, nil
}

// Save upserts the singleton settings row.
func (s *SettingsStore) Save(ctx context.Context, settings *ScanSettings) error {
	if settings == nil {
		return errors.New("settings is nil")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_settings
			(id, media_root, max_workers, delete_inaccessible, delete_probe_failures,
			 sonarr_enabled, sonarr_url, sonarr_api_key,
			 radarr_enabled, radarr_url, radarr_api_key)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			media_root = excluded.media_root,
			max_workers = excluded.max_workers,
			delete_inaccessible = excluded.delete_inaccessible,
			delete_probe_failures = excluded.delete_probe_failures,
			sonarr_enabled = excluded.sonarr_enabled,
			sonarr_url = excluded.sonarr_url,
			sonarr_api_key = excluded.sonarr_api_key,
			radarr_enabled = excluded.radarr_enabled,
			radarr_url = excluded.radarr_url,
			radarr_api_key = excluded.radarr_api_key,
			updated_at = CURRENT_TIMESTAMP
	`, settings.MediaRoot, settings.MaxWorkers,
		boolToInt(settings.DeleteInaccessible), boolToInt(settings.DeleteProbeFailures),
		boolToInt(settings.SonarrEnabled), settings.SonarrURL, settings.SonarrAPIKey,
		boolToInt(settings.RadarrEnabled), settings.RadarrURL, settings.RadarrAPIKey)
	if err != nil {
		return fmt.Errorf("save scan settings: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
