// Package httpapi exposes the LRA coordinator over REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/lra/api"
	"pkt.systems/lra/internal/coordinator"
	"pkt.systems/lra/internal/jsonutil"
	"pkt.systems/lra/internal/loggingutil"
)

const (
	// DefaultBasePath is the path the coordinator is mounted under.
	DefaultBasePath = "/lra-coordinator"
	// DefaultMaxBodyBytes bounds join and leave bodies.
	DefaultMaxBodyBytes int64 = 1 << 20

	headerRequestID = "X-Request-Id"
	headerLRA       = "Long-Running-Action"
	headerRecovery  = "Long-Running-Action-Recovery"
	headerLink      = "Link"

	contentTypeText = "text/plain; charset=utf-8"
)

// Config groups the dependencies required by Handler.
type Config struct {
	Service *coordinator.Service
	Logger  pslog.Logger
	// BasePath is the mount point, DefaultBasePath when empty.
	BasePath     string
	MaxBodyBytes int64
	// Tracing wraps every route in otelhttp and records handler spans.
	Tracing bool
	// CompactWriter overrides the JSON compactor used for join bodies.
	CompactWriter func(io.Writer, io.Reader, int64) error
}

// Handler wires HTTP endpoints to the coordinator.
type Handler struct {
	svc          *coordinator.Service
	logger       pslog.Logger
	basePath     string
	maxBodyBytes int64
	tracing      bool
	tracer       trace.Tracer
	compact      func(io.Writer, io.Reader, int64) error
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: coordinator service required")
	}
	basePath := "/" + strings.Trim(strings.TrimSpace(cfg.BasePath), "/")
	if basePath == "/" {
		basePath = DefaultBasePath
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &Handler{
		svc:          cfg.Service,
		logger:       loggingutil.WithSubsystem(cfg.Logger, "api.http"),
		basePath:     basePath,
		maxBodyBytes: maxBody,
		tracing:      cfg.Tracing,
		tracer:       otel.Tracer("pkt.systems/lra/httpapi"),
		compact:      cfg.CompactWriter,
	}
	if h.compact == nil {
		h.compact = jsonutil.CompactWriter
	}
	return h, nil
}

// BasePath returns the mount point.
func (h *Handler) BasePath() string { return h.basePath }

// Register mounts the coordinator routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	b := h.basePath
	mux.Handle("GET "+b, h.wrap("list", h.handleList))
	mux.Handle("GET "+b+"/{$}", h.wrap("list", h.handleList))
	mux.Handle("GET "+b+"/recovery", h.wrap("recovery.list", h.handleRecoveryList))
	mux.Handle("GET "+b+"/failed", h.wrap("recovery.failed", h.handleFailed))
	mux.Handle("GET "+b+"/recovery/{lra}/{rcv}", h.wrap("recovery.lookup", h.handleRecoveryLookup))
	mux.Handle("PUT "+b+"/recovery/{lra}/{rcv}", h.wrap("recovery.update", h.handleRecoveryUpdate))
	mux.Handle("DELETE "+b+"/recovery/{id}", h.wrap("recovery.remove", h.handleRemoveLog))
	mux.Handle("POST "+b+"/start", h.wrap("start", h.handleStart))
	mux.Handle("GET "+b+"/{id}", h.wrap("get", h.handleGet))
	mux.Handle("GET "+b+"/{id}/status", h.wrap("status", h.handleStatus))
	mux.Handle("PUT "+b+"/{id}", h.wrap("join", h.handleJoin))
	mux.Handle("PUT "+b+"/{id}/remove", h.wrap("leave", h.handleLeave))
	mux.Handle("PUT "+b+"/{id}/renew", h.wrap("renew", h.handleRenew))
	mux.Handle("PUT "+b+"/{id}/close", h.wrap("close", h.handleClose))
	mux.Handle("PUT "+b+"/{id}/cancel", h.wrap("cancel", h.handleCancel))
}

func routerSys(operation string) string {
	parts := strings.FieldsFunc(operation, func(r rune) bool {
		switch r {
		case '.', '/', '-', '_':
			return true
		}
		return false
	})
	if len(parts) == 0 {
		return "api.http.router"
	}
	return "api.http.router." + strings.Join(parts, ".")
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "lra.http." + operation
	opSpanName := "lra.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
		if reqID == "" {
			reqID = xid.New().String()
		}
		w.Header().Set(headerRequestID, reqID)

		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, opSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("lra.sys", sys),
					attribute.String("lra.operation", operation),
					attribute.String("lra.route", r.URL.Path),
				),
			)
			defer span.End()
		}

		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				resp := h.errorResponse(err)
				span.SetAttributes(
					attribute.String("lra.error_code", resp.Code),
					attribute.Int("lra.error_status", resp.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status int
	Code   string
	Detail string
	LRAID  string
	State  string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

// errorResponse converts err into the envelope a client sees. Coordinator
// failures keep their action id and status.
func (h *Handler) errorResponse(err error) httpError {
	var httpErr httpError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return httpError{Status: http.StatusInternalServerError, Code: "canceled", Detail: err.Error()}
	}
	status := coordinator.StatusCode(err)
	out := httpError{Status: status, Code: errorCode(status)}
	var failure *coordinator.Failure
	if errors.As(err, &failure) {
		out.LRAID = failure.LRAID
		out.State = string(failure.Status)
		out.Detail = failure.Detail
		if out.Detail == "" && failure.Err != nil && status != http.StatusInternalServerError {
			out.Detail = failure.Err.Error()
		}
	}
	if status == http.StatusInternalServerError && out.Detail == "" {
		out.Detail = "internal server error"
	}
	return out
}

func errorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "internal_error"
	}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := loggingutil.FromContext(ctx, h.logger)
	resp := h.errorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		logger.Error("http.request.failure", "status", resp.Status, "code", resp.Code, "error", err)
	} else {
		logger.Debug("http.request.failure",
			"status", resp.Status,
			"code", resp.Code,
			"detail", resp.Detail,
			"lra_id", resp.LRAID,
		)
	}
	h.writeJSON(w, resp.Status, api.ErrorResponse{
		ErrorCode: resp.Code,
		Detail:    resp.Detail,
		LRAID:     resp.LRAID,
		Status:    resp.State,
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) writeText(w http.ResponseWriter, status int, body string, headers map[string]string) {
	w.Header().Set("Content-Type", contentTypeText)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if body != "" {
		_, _ = w.Write([]byte(body))
	}
}
