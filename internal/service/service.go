package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/captioner/internal/cache"
	"github.com/replicate/captioner/internal/config"
	"github.com/replicate/captioner/internal/errs"
	"github.com/replicate/captioner/internal/inference"
	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/metrics"
	"github.com/replicate/captioner/internal/model"
	"github.com/replicate/captioner/internal/server"
)

// HTTPServer interface allows for mocking the HTTP server in tests
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Package-level variable for os.Exit to enable testing
var osExit = func(code int) {
	os.Exit(code)
}

// Service is the root lifecycle owner for the captioning server
type Service struct {
	cfg config.Config

	// Lifecycle state
	started         chan struct{}
	stopped         chan struct{}
	shutdown        chan struct{}
	drained         chan struct{}
	shutdownStarted atomic.Bool
	forced          atomic.Bool

	openRuntime model.RuntimeOpener
	handle      *model.Handle
	cache       *cache.RedisCache
	inference   *inference.Service
	handler     *server.Handler
	router      *chi.Mux
	httpServer  HTTPServer

	logger *logging.Logger
}

type ServiceOption interface {
	Apply(s *Service)
}

type HTTPServerOption struct {
	HTTPServer HTTPServer
}

func (o HTTPServerOption) Apply(s *Service) {
	s.httpServer = o.HTTPServer
}

// RuntimeOpenerOption replaces ONNX Runtime as the model backend.
type RuntimeOpenerOption struct {
	Opener model.RuntimeOpener
}

func (o RuntimeOpenerOption) Apply(s *Service) {
	s.openRuntime = o.Opener
}

var (
	_ ServiceOption = (*HTTPServerOption)(nil)
	_ ServiceOption = (*RuntimeOpenerOption)(nil)
)

// New creates a new Service with the given configuration
func New(cfg config.Config, baseLogger *logging.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		cfg:      cfg,
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		shutdown: make(chan struct{}),
		drained:  make(chan struct{}),
		logger:   baseLogger.Named("service"),
	}
	for _, opt := range opts {
		opt.Apply(svc)
	}
	return svc
}

// Initialize loads the model and builds the handler and HTTP server. The
// model is loaded before anything listens; every failure is a startup
// error and leaves nothing allocated.
func (s *Service) Initialize(ctx context.Context) (err error) {
	if s.handler != nil {
		return nil
	}
	log := s.logger.Sugar()

	if err := s.cfg.Validate(); err != nil {
		return errs.Startup(err, "invalid configuration")
	}

	defer func() {
		if err != nil {
			s.release()
		}
	}()

	log.Infow("loading model", "model", s.cfg.Model, "revision", s.cfg.ModelRevision)
	s.handle, err = LoadModel(ctx, s.cfg, s.openRuntime, s.logger)
	if err != nil {
		return err
	}

	var captionCache inference.Cache
	if s.cfg.CacheEnabled() {
		s.cache, err = cache.New(ctx, cache.Options{
			Addr:     s.cfg.RedisAddr,
			Password: s.cfg.RedisPassword,
			DB:       s.cfg.RedisDB,
			TTL:      s.cfg.CacheTTL,
		}, s.logger)
		if err != nil {
			return errs.Startup(err, "failed to connect to caption cache")
		}
		captionCache = s.cache
		log.Infow("caption cache enabled", "addr", s.cfg.RedisAddr, "ttl", s.cfg.CacheTTL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(registry)

	s.inference = inference.New(s.handle, inference.Options{
		MaxConcurrency: s.cfg.Concurrency(),
		Timeout:        s.cfg.InferenceTimeout,
		Cache:          captionCache,
		Metrics:        met,
	}, s.logger)

	s.handler = server.NewHandler(s.cfg, s.inference, server.ModelInfo{
		Name:      s.handle.Name(),
		MaxTokens: s.handle.MaxTokens(),
	}, met, s.logger)

	s.initializeHTTPServer(ctx)
	return nil
}

// initializeHTTPServer sets up the HTTP server if not already set
func (s *Service) initializeHTTPServer(ctx context.Context) {
	s.router = server.NewRouter(s.handler)
	if s.cfg.AwaitExplicitShutdown {
		s.router.Post("/shutdown", s.HandleShutdown)
	}

	if s.httpServer != nil {
		return
	}
	s.logger.Sugar().Debug("initializing HTTP server")
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
	}
}

// Router returns the HTTP routes; nil before Initialize.
func (s *Service) Router() http.Handler {
	return s.router
}

// Run starts the service and blocks until shutdown
func (s *Service) Run(ctx context.Context) error {
	log := s.logger.Sugar()

	select {
	case <-s.started:
		log.Errorw("service already started")
		return nil
	default:
	}

	if s.httpServer == nil {
		return fmt.Errorf("service not initialized - call Initialize() first")
	}

	log.Infow("starting service",
		"host", s.cfg.Host,
		"port", s.cfg.Port,
		"model", s.handle.Name(),
		"max_concurrency", s.inference.Concurrency().Max,
		"await_explicit_shutdown", s.cfg.AwaitExplicitShutdown,
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	eg.Go(func() error { //nolint:contextcheck // drain deadline is independent of the canceled run context
		<-s.shutdown
		defer close(s.drained)
		s.drain()
		return nil
	})

	// Monitor for context cancellation (handles external cancellation)
	eg.Go(func() error {
		select {
		case <-s.shutdown:
			return nil
		case <-egCtx.Done():
			if s.shutdownStarted.CompareAndSwap(false, true) {
				log.Trace("context canceled, forcing immediate shutdown")
				s.forced.Store(true)
				close(s.shutdown)
			}
			return egCtx.Err()
		}
	})

	eg.Go(func() error {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		return s.handleSignals(egCtx, ch)
	})

	close(s.started)

	log.Trace("waiting for all service goroutines to complete")
	err := eg.Wait()
	log.Debug("all service goroutines completed")

	s.stop()

	return err
}

// drain stops accepting analyze requests, waits up to ShutdownTimeout for
// in-flight inference, then shuts the HTTP server down.
func (s *Service) drain() {
	log := s.logger.Sugar()

	timeout := s.cfg.ShutdownTimeout
	if s.forced.Load() {
		timeout = 0
	}
	log.Infow("initiating graceful shutdown", "timeout", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.handler.Stop(ctx); err != nil {
		log.Warnw("in-flight inference did not finish before shutdown deadline", "error", err)
	}

	log.Info("closing HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warnw("HTTP server did not shut down cleanly, closing", "error", err)
		if err := s.httpServer.Close(); err != nil {
			log.Errorw("error closing HTTP server", "error", err)
		}
	}
}

func (s *Service) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	s.Shutdown()
	w.WriteHeader(http.StatusOK)
}

// Shutdown initiates graceful shutdown of the service (non-blocking)
func (s *Service) Shutdown() {
	log := s.logger.Sugar()
	log.Info("shutdown requested")

	// Use atomic CAS to ensure only one shutdown
	if !s.shutdownStarted.CompareAndSwap(false, true) {
		log.Trace("already shutting down")
		return
	}

	close(s.shutdown)
}

// stop releases the model and cache after the server is down
func (s *Service) stop() {
	log := s.logger.Sugar()
	log.Info("stopping service")

	select {
	case <-s.stopped:
		log.Trace("service already stopped")
	default:
		s.release()
		close(s.stopped)
	}
}

func (s *Service) release() {
	log := s.logger.Sugar()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Errorw("failed to close caption cache", "error", err)
		}
		s.cache = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			log.Errorw("failed to release model", "error", err)
		}
		s.handle = nil
	}
}

// IsStarted returns true if the service has been started
func (s *Service) IsStarted() bool {
	select {
	case <-s.started:
		return true
	default:
		return false
	}
}

// IsStopped returns true if the service has been stopped
func (s *Service) IsStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// IsRunning returns true if the service is running (started but not stopped)
func (s *Service) IsRunning() bool {
	return s.IsStarted() && !s.IsStopped()
}

// handleSignals starts a graceful shutdown on the first SIGINT or SIGTERM
// and exits immediately on the second.
func (s *Service) handleSignals(ctx context.Context, ch <-chan os.Signal) error {
	log := s.logger.Sugar()
	for {
		select {
		case <-s.drained:
			return nil
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			if s.shutdownStarted.Load() {
				log.Warnw("received second signal, exiting immediately", "signal", sig.String())
				osExit(1)
				return nil
			}
			log.Infow("received signal, starting graceful shutdown", "signal", sig.String())
			s.Shutdown()
		}
	}
}
