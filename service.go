package queuedrain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/drain"
	"pkt.systems/queuedrain/internal/svcfields"
)

// Option customises a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger   pslog.Logger
	backends *Backends
	clock    clock.Clock
}

// WithLogger supplies the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithBackends injects prebuilt backends instead of opening cfg.AzureStorage.
func WithBackends(b Backends) Option {
	return func(o *serviceOptions) { o.backends = &b }
}

// WithClock overrides the clock shared by the worker and the memory backend.
func WithClock(clk clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = clk }
}

// Service runs the drain worker alongside its optional HTTP and telemetry
// listeners.
type Service struct {
	cfg      Config
	logger   pslog.Logger
	backends Backends
	worker   *drain.Worker

	addr    atomic.Value
	running atomic.Bool
}

// NewService validates cfg and wires backends and worker. No network calls
// are made until Run.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := serviceOptions{logger: pslog.NoopLogger(), clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	var backends Backends
	if o.backends != nil {
		backends = *o.backends
	} else {
		var err error
		backends, err = openBackends(cfg, o.clock, o.logger)
		if err != nil {
			return nil, err
		}
	}
	worker, err := drain.New(cfg.DrainConfig(), backends.Queue, backends.Blobs, backends.Table,
		drain.WithLogger(o.logger),
		drain.WithClock(o.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("queuedrain: %w", err)
	}
	return &Service{
		cfg:      cfg,
		logger:   svcfields.WithSubsystem(o.logger, "service.lifecycle"),
		backends: backends,
		worker:   worker,
	}, nil
}

// Config returns the validated configuration.
func (s *Service) Config() Config { return s.cfg }

// Backends returns the storage bindings in use.
func (s *Service) Backends() Backends { return s.backends }

// Worker exposes the drain worker.
func (s *Service) Worker() *drain.Worker { return s.worker }

// Run blocks until ctx is cancelled. Telemetry and HTTP listeners are
// started first and shut down after the worker returns.
func (s *Service) Run(ctx context.Context) error {
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		endpoint:               s.cfg.OTLPEndpoint,
		metricsListen:          s.cfg.MetricsListen,
		pprofListen:            s.cfg.PprofListen,
		enableProfilingMetrics: s.cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(s.logger, "telemetry"))
	if err != nil {
		return err
	}
	var httpServer *http.Server
	if s.cfg.Listen != "" {
		httpServer, err = s.startHTTP(s.cfg.Listen)
		if err != nil {
			if telemetry != nil {
				_ = telemetry.Shutdown(context.WithoutCancel(ctx))
			}
			return err
		}
	}

	s.logger.Info("service.start", "storage", s.backends.Description, "queue", QueueName, "container", ContainerName, "table", TableName)
	s.running.Store(true)
	runErr := s.worker.Run(ctx)
	s.running.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("queuedrain: http shutdown: %w", err))
		}
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("service.stop")
	return errors.Join(errs...)
}

// ListenAddr returns the bound HTTP address once Run has started the listener.
func (s *Service) ListenAddr() string {
	addr, _ := s.addr.Load().(string)
	return addr
}

func (s *Service) startHTTP(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("queuedrain: http listen: %w", err)
	}
	s.addr.Store(ln.Addr().String())
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http.serve_error", "error", err)
		}
	}()
	s.logger.Info("http.listen", "addr", ln.Addr().String())
	return srv, nil
}
