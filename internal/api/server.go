// Copyright (c) 2025-2026, the Redriva contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP surface: router, middleware and server
// lifecycle.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/redriva/redriva/internal/api/handlers"
	"github.com/redriva/redriva/internal/config"
	"github.com/redriva/redriva/internal/database"
	"github.com/redriva/redriva/internal/models"
	"github.com/redriva/redriva/internal/services/arr"
	"github.com/redriva/redriva/internal/services/symlinkscan"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Config        *config.AppConfig
	DB            *database.DB
	ScanService   *symlinkscan.Service
	SettingsStore *models.SettingsStore
	ArrService    *arr.Service
}

// Server wires the router onto an http.Server with graceful shutdown.
type Server struct {
	deps *Dependencies
	srv  *http.Server
}

// NewServer creates a Server from its dependencies.
func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(requestLogger)

	corsOptions := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}
	if origins := s.deps.Config.Config.CORSAllowedOrigins; len(origins) > 0 {
		corsOptions.AllowedOrigins = origins
	} else {
		corsOptions.AllowOriginFunc = func(origin string) bool { return true }
	}
	r.Use(cors.New(corsOptions).Handler)

	baseURL := strings.TrimRight(s.deps.Config.Config.BaseURL, "/")

	r.Route(baseURL+"/api", func(r chi.Router) {
		handlers.NewHealthHandler(s.deps.DB).Routes(r)

		r.Route("/scans", handlers.NewScansHandler(s.deps.ScanService).Routes)
		r.Route("/settings", handlers.NewSettingsHandler(s.deps.SettingsStore).Routes)
		r.Route("/arr", handlers.NewArrHandler(s.deps.ArrService).Routes)
	})

	return r
}

// requestLogger logs completed requests at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// ListenAndServe starts the HTTP server and blocks until the listener fails
// or Shutdown is called.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.deps.Config.Config.Host, fmt.Sprintf("%d", s.deps.Config.Config.Port))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("api: listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests. An active scan keeps running until its
// own context is cancelled by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
