package lra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/coordinator"
	"pkt.systems/lra/internal/httpapi"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/notify"
	"pkt.systems/lra/internal/recovery"
	"pkt.systems/lra/internal/storage"
	loggingbackend "pkt.systems/lra/internal/storage/logging"
	"pkt.systems/lra/internal/storage/retry"
	"pkt.systems/lra/internal/txlog"
)

// Server wraps the HTTP listener, the coordinator and its recovery loop.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	backend    storage.Backend
	crypto     *storage.Crypto
	coord      *coordinator.Service
	engine     *recovery.Engine
	handler    *httpapi.Handler
	httpSrv    *http.Server
	clock      clock.Clock
	telemetry  *telemetry
	httpClient *http.Client

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
	recoveryStop context.CancelFunc
	recoveryDone chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	OTLPEndpoint string
	HTTPClient   *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend. The store URL is ignored.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithHTTPClient sets the client used to call participants.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// NewServer constructs a coordinator server according to cfg.
// Example:
//
//	cfg := lra.Config{Store: "disk:///var/lib/lra", Listen: ":8080"}
//	srv, err := lra.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	tel, err := startTelemetry(context.Background(), telemetryOptions{
		endpoint:       cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		telemetry:  tel,
		httpClient: o.HTTPClient,
		readyCh:    make(chan struct{}),
	}
	if err := s.build(o.Backend); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(injected storage.Backend) error {
	cfg := s.cfg
	tracing := s.telemetry != nil && s.telemetry.tracing

	backend := injected
	if backend == nil {
		storeLogger := loggingutil.WithSubsystem(s.logger, "storage")
		b, err := openBackend(cfg, storeLogger)
		if err != nil {
			return err
		}
		backend = b
	}
	if cfg.LogStorage || tracing {
		backend = loggingbackend.Wrap(backend, s.logger, "storage.backend")
	}
	s.backend = retry.Wrap(backend, loggingutil.WithSubsystem(s.logger, "storage.retry"), s.clock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	crypto, err := openCrypto(cfg)
	if err != nil {
		return err
	}
	s.crypto = crypto

	log, err := txlog.New(txlog.Config{
		Backend: s.backend,
		Crypto:  crypto,
		Logger:  s.logger,
	})
	if err != nil {
		return err
	}
	notifier := notify.New(notify.Config{
		HTTPClient:  s.httpClient,
		Timeout:     cfg.ParticipantTimeout,
		MaxAttempts: cfg.ParticipantRetries,
		BaseDelay:   cfg.ParticipantBaseDelay,
		MaxDelay:    cfg.ParticipantMaxDelay,
		Logger:      s.logger,
		Clock:       s.clock,
		Tracing:     tracing,
	})
	s.engine = recovery.New(recovery.Config{
		Interval: cfg.RecoveryInterval,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	s.coord, err = coordinator.New(coordinator.Config{
		BaseURL:        cfg.BaseURL,
		RecoveryBase:   cfg.RecoveryBase,
		Log:            log,
		Notifier:       notifier,
		Engine:         s.engine,
		Clock:          s.clock,
		Logger:         s.logger,
		MaxAttempts:    cfg.SettleMaxAttempts,
		FinishedMemory: cfg.FinishedMemory,
	})
	if err != nil {
		return err
	}
	s.handler, err = httpapi.New(httpapi.Config{
		Service:      s.coord,
		Logger:       s.logger,
		BasePath:     cfg.BasePath,
		MaxBodyBytes: cfg.JSONMaxBytes,
		Tracing:      tracing,
	})
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Handler exposes the routed coordinator API, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator returns the coordinator service behind the HTTP API.
func (s *Server) Coordinator() *coordinator.Service {
	return s.coord
}

// SetRecoveryInterval changes the recovery cadence of a running server.
func (s *Server) SetRecoveryInterval(d time.Duration) {
	s.engine.SetInterval(d)
	s.logger.Info("recovery.interval.updated", "interval", s.engine.Interval())
}

// Start loads recovering actions from the log, starts the recovery loop and
// serves HTTP until Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()
	ctx := pslog.ContextWithLogger(context.Background(), s.logger)
	if err := s.coord.Start(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		s.coord.Stop()
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.listener = ln
	s.recoveryStop = cancel
	s.recoveryDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		_ = s.engine.Run(runCtx)
	}()
	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"base_path", s.handler.BasePath(),
		"base_url", s.coord.BaseURL(),
		"recovery_interval", s.engine.Interval(),
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, waits for the recovery loop and closes
// storage and telemetry. Calling it more than once is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	stop, done := s.recoveryStop, s.recoveryDone
	s.recoveryStop, s.recoveryDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("recovery loop: %w", ctx.Err()))
		}
	}
	s.coord.Stop()
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes storage, key material and telemetry.
func (s *Server) release() error {
	var errs []error
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		s.backend = nil
	}
	if s.crypto != nil {
		s.crypto.Close()
		s.crypto = nil
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Serve returned, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background and returns once it listens.
// The returned stop function shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		// Start failed before binding.
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
