// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/redriva/redriva/internal/api"
	"github.com/redriva/redriva/internal/buildinfo"
	"github.com/redriva/redriva/internal/config"
	"github.com/redriva/redriva/internal/database"
	"github.com/redriva/redriva/internal/logger"
	"github.com/redriva/redriva/internal/models"
	"github.com/redriva/redriva/internal/services/arr"
	"github.com/redriva/redriva/internal/services/symlinkscan"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "redriva",
		Short: "Symlink integrity scanner for media libraries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file or directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the scanner service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(buildinfo.String())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.New(configPath, buildinfo.Version)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger.Init(cfg.Config)
	cfg.DynamicReload(logger.SetLogLevel)

	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.Commit).
		Msg("starting redriva")

	db, err := database.New(cfg.Config.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	scanStore := models.NewScanStore(db)
	settingsStore := models.NewSettingsStore(db)

	scanService := symlinkscan.NewService(symlinkscan.DefaultConfig(), scanStore, settingsStore, nil)
	if err := scanService.RecoverStuckRuns(ctx); err != nil {
		return fmt.Errorf("recover interrupted scans: %w", err)
	}

	server := api.NewServer(&api.Dependencies{
		Config:        cfg,
		DB:            db,
		ScanService:   scanService,
		SettingsStore: settingsStore,
		ArrService:    arr.NewService(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	scanService.Shutdown(shutdownCtx)
	return nil
}
