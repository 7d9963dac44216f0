// Package service runs a packet source and its dispatcher as one process lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/gatekeeper/internal/config"
	"firestige.xyz/gatekeeper/internal/dispatch"
	"firestige.xyz/gatekeeper/internal/log"
	"firestige.xyz/gatekeeper/internal/metrics"
	"firestige.xyz/gatekeeper/internal/packetio"
)

// ErrNotStarted is returned by Run before a successful Start.
var ErrNotStarted = errors.New("gatekeeper: service not started")

// Service owns the source, the dispatcher and the metrics server.
type Service struct {
	cfg *config.Config
	src packetio.Source

	dispatcher    *dispatch.Dispatcher
	metricsServer *metrics.Server // nil if metrics disabled
	live          *packetio.Liveness

	// sourceDone is closed by the source's cancel hook. The hook must not block:
	// the source may fire it from its own reader goroutine.
	sourceDone chan struct{}
	doneOnce   sync.Once

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	sigChan  chan os.Signal
}

// New creates a service. The source is owned by the service from here on and is
// closed by Stop.
func New(cfg *config.Config, src packetio.Source, handler dispatch.Handler) *Service {
	return &Service{
		cfg:        cfg,
		src:        src,
		dispatcher: dispatch.New(src, handler, dispatch.ConfigFrom(cfg.Workers)),
		live:       packetio.NewLiveness(),
		sourceDone: make(chan struct{}),
	}
}

// Start initializes logging and metrics and begins dispatching packets.
func (s *Service) Start() error {
	// 1. Initialize logging
	if err := log.Init(s.cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := log.GetLogger()
	for _, w := range s.cfg.Warnings() {
		logger.Warn(w)
	}

	// 2. Start metrics server
	if err := s.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 3. Wire the source's own termination into Run
	if err := s.src.SetCancelFunc(s.onSourceDone); err != nil {
		s.stopMetrics()
		return fmt.Errorf("failed to install cancel hook: %w", err)
	}

	// 4. Start workers and register with the source
	if err := s.dispatcher.Start(s.live); err != nil {
		s.stopMetrics()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"workers": s.cfg.Workers.Count,
		"metrics": s.cfg.Metrics.Enabled,
	}).Info("gatekeeper started")
	return nil
}

func (s *Service) onSourceDone() {
	s.doneOnce.Do(func() { close(s.sourceDone) })
}

// Run blocks until shutdown is triggered, then stops the service.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the source ending on its own, e.g. the end of a capture file
//  3. a source failure reported through the callback
//  4. ctx cancellation
//
// Only a source failure and ctx cancellation are returned as errors.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.sigChan = make(chan os.Signal, 1)
	signal.Notify(s.sigChan, syscall.SIGTERM, syscall.SIGINT)
	s.mu.Unlock()

	logger := log.GetLogger()
	logger.Info("running, waiting for packets")

	var err error
	select {
	case sig := <-s.sigChan:
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-s.sourceDone:
		logger.Info("packet source finished")
	case err = <-s.dispatcher.Errors():
		logger.WithError(err).Error("packet source failed")
	case <-ctx.Done():
		err = ctx.Err()
		logger.WithError(err).Info("context cancelled")
	}

	s.Stop()
	return err
}

// Stop performs graceful shutdown. It is safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		logger := log.GetLogger()
		logger.Info("initiating graceful shutdown")

		// 1. Stop metrics server
		s.stopMetrics()

		// 2. Stop delivery and resolve every queued packet
		s.dispatcher.Stop()

		// 3. Release the source
		if err := s.src.Close(); err != nil {
			logger.WithError(err).Error("error closing packet source")
		}

		// 4. Unregister signal handler
		s.mu.Lock()
		if s.sigChan != nil {
			signal.Stop(s.sigChan)
		}
		s.mu.Unlock()

		logger.Info("gatekeeper stopped")

		// 5. Flush logs
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close log outputs: %v\n", err)
		}
	})
}

// MetricsAddr returns the bound metrics address, or "" when metrics are disabled.
func (s *Service) MetricsAddr() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Addr()
}

// startMetrics starts the metrics HTTP server if enabled.
func (s *Service) startMetrics() error {
	if !s.cfg.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(s.cfg.Metrics.Listen, s.cfg.Metrics.Path)
	if err := srv.Start(); err != nil {
		return err
	}
	s.metricsServer = srv
	return nil
}

func (s *Service) stopMetrics() {
	if s.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metricsServer.Stop(ctx); err != nil {
		log.GetLogger().WithError(err).Error("error stopping metrics server")
	}
	s.metricsServer = nil
}
