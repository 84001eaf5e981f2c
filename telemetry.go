package lra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

const telemetryServiceName = "lra-coordinator"

type telemetryOptions struct {
	endpoint       string
	metricsListen  string
	pprofListen    string
	runtimeMetrics bool
}

func (o telemetryOptions) empty() bool {
	return o.endpoint == "" && o.metricsListen == "" && o.pprofListen == "" && !o.runtimeMetrics
}

// telemetry owns the exporters and side servers started for a Server. Closers
// run in reverse start order.
type telemetry struct {
	logger  pslog.Logger
	tracing bool
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

func (t *telemetry) push(name string, fn func(context.Context) error) {
	t.closers = append(t.closers, namedCloser{name: name, close: fn})
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		c := t.closers[i]
		if err := c.close(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failure", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s shutdown: %w", c.name, err))
		}
	}
	t.closers = nil
	if len(errs) == 0 {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return errors.Join(errs...)
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// gRPC reports every reconnect attempt through the global handler.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// startTelemetry installs global trace and meter providers. It returns nil when
// nothing is configured.
func startTelemetry(ctx context.Context, opts telemetryOptions, logger pslog.Logger) (*telemetry, error) {
	opts.endpoint = strings.TrimSpace(opts.endpoint)
	opts.metricsListen = strings.TrimSpace(opts.metricsListen)
	opts.pprofListen = strings.TrimSpace(opts.pprofListen)
	if opts.empty() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if opts.runtimeMetrics && opts.metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(telemetryServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	t := &telemetry{logger: logger}
	fail := func(err error) (*telemetry, error) {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if opts.endpoint != "" {
		target, err := resolveOTLPTarget(opts.endpoint)
		if err != nil {
			return fail(err)
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return fail(err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		t.push("trace", tp.Shutdown)
		t.tracing = true
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if opts.metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if opts.runtimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(mp)
		t.push("metric", mp.Shutdown)
		if opts.runtimeMetrics {
			if err := startRuntimeMetrics(mp); err != nil {
				return fail(err)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		stop, err := serveSide("metrics", opts.metricsListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.push("metrics server", stop)
		logger.Info("telemetry.metrics.enabled", "listen", opts.metricsListen)
	}

	if opts.pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		stop, err := serveSide("pprof", opts.pprofListen, mux, logger)
		if err != nil {
			return fail(err)
		}
		t.push("pprof server", stop)
		logger.Info("profiling.pprof.enabled", "listen", opts.pprofListen)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return t, nil
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exp, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

func serveSide(name, addr string, handler http.Handler, logger pslog.Logger) (func(context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("telemetry.side_server.serve_error", "server", name, "error", err)
		}
	}()
	return srv.Shutdown, nil
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// startRuntimeMetrics binds runtime instrumentation to the first provider
// only; otelruntime cannot be started twice per process.
func startRuntimeMetrics(mp *sdkmetric.MeterProvider) error {
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
	})
	return runtimeMetricsErr
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// resolveOTLPTarget accepts host[:port] (plain gRPC) or a grpc, grpcs, http
// or https URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, "4317"), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		host, u.Path = u.Path, ""
	}
	target := otlpTarget{path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		target.protocol, target.insecure = "grpc", true
		target.endpoint = withDefaultPort(host, "4317")
	case "grpcs":
		target.protocol = "grpc"
		target.endpoint = withDefaultPort(host, "4317")
	case "http":
		target.protocol, target.insecure = "http", true
		target.endpoint = withDefaultPort(host, "4318")
	case "https":
		target.protocol = "http"
		target.endpoint = withDefaultPort(host, "4318")
	default:
		return otlpTarget{}, fmt.Errorf("telemetry: unsupported scheme %q", u.Scheme)
	}
	if target.endpoint == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	return target, nil
}

func withDefaultPort(host, port string) string {
	if host == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
