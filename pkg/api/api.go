// Package api exposes the run database over HTTP: read access to runs,
// objective scores and the benchmark catalog, plus token-protected
// correction endpoints for the operations that rewrite identity.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mangoml/trackoor/pkg/artifacts"
	"github.com/mangoml/trackoor/pkg/catalog"
	"github.com/mangoml/trackoor/pkg/config"
	"github.com/mangoml/trackoor/pkg/infra"
	"github.com/mangoml/trackoor/pkg/match"
	"github.com/mangoml/trackoor/pkg/reconciler"
	"github.com/mangoml/trackoor/pkg/runstore"
	"github.com/mangoml/trackoor/pkg/tracker"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      runstore.Store
	catalog    catalog.Store
	artifacts  artifacts.Store
	engine     reconciler.Engine
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start initializes the stores, binds the listener, and starts serving.
func (s *server) Start(ctx context.Context) error {
	// Create and start the run database store.
	s.store = runstore.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	// Open the benchmark catalog when one is configured.
	if s.cfg.Catalog.Path != "" {
		s.catalog = catalog.NewStore(s.log, &s.cfg.Catalog)
		if err := s.catalog.Start(ctx); err != nil {
			return fmt.Errorf("starting catalog: %w", err)
		}
	}

	// Artifact retrieval is optional.
	if s.cfg.Artifacts.Enabled {
		s.artifacts = artifacts.NewS3Store(s.log, &s.cfg.Artifacts)

		s.log.Info("Artifact retrieval enabled")
	}

	// Prepare the reconciliation engine before building the router, but
	// do NOT start it yet: the HTTP server must be listening first.
	if s.cfg.HasTracker() {
		s.prepareReconciler()
	}

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// Start the background reconciler AFTER the API is listening so that
	// the server is reachable while the first (potentially slow) pass
	// runs.
	if s.engine != nil {
		if err := s.engine.Start(ctx); err != nil {
			return fmt.Errorf("starting reconciler: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the stores.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.engine != nil {
		if err := s.engine.Stop(); err != nil {
			s.log.WithError(err).Warn("Reconciler stop error")
		}
	}

	if s.catalog != nil {
		if err := s.catalog.Stop(); err != nil {
			s.log.WithError(err).Warn("Catalog stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping run store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// prepareReconciler creates the tracker client, matcher and optional
// liveness probe, then the engine. Call engine.Start() separately after
// the HTTP server is listening.
func (s *server) prepareReconciler() {
	trackerClient := tracker.NewHTTPClient(s.log, &s.cfg.Tracker)

	window := s.cfg.Reconciler.MatchWindow
	if window <= 0 {
		window = config.DefaultMatchWindow
	}

	matcher := match.NewPrefixTimeMatcher(window)

	var liveness infra.Liveness
	if s.cfg.Infra.Enabled {
		liveness = infra.NewEC2Liveness(s.log, &s.cfg.Infra)
	}

	s.engine = reconciler.NewEngine(
		s.log, s.store, trackerClient, matcher, liveness, &s.cfg.Reconciler,
	)

	s.log.Info("Reconciliation service enabled")
}
