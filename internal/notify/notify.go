// Package notify delivers completion, compensation and after callbacks to
// participants over HTTP.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/version"
)

// Headers sent with every participant call.
const (
	HeaderLRA         = "Long-Running-Action"
	HeaderRecovery    = "Long-Running-Action-Recovery"
	HeaderParentLRA   = "Long-Running-Action-Parent"
	HeaderEnded       = "Long-Running-Action-Ended"
	maxResponseBody   = 4 << 10
	defaultTimeout    = 5 * time.Second
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	defaultMultiplier = 2.0
)

// Config tunes a Notifier.
type Config struct {
	HTTPClient  *http.Client
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Logger      pslog.Logger
	Clock       clock.Clock
	// Tracing wraps the default transport with otelhttp.
	Tracing bool
}

// Notifier implements lra.Notifier.
type Notifier struct {
	client      *http.Client
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	logger      pslog.Logger
	clock       clock.Clock
	metrics     *notifyMetrics
}

var _ lra.Notifier = (*Notifier)(nil)

// CallError reports an unexpected participant response.
type CallError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *CallError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("notify: %s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("notify: %s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

// New constructs a Notifier.
func New(cfg Config) *Notifier {
	logger := loggingutil.WithSubsystem(loggingutil.EnsureLogger(cfg.Logger), "coordinator.notify")
	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport
		if cfg.Tracing {
			transport = otelhttp.NewTransport(transport)
		}
		client = &http.Client{Transport: transport}
	}
	n := &Notifier{
		client:      client,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		multiplier:  cfg.Multiplier,
		logger:      logger,
		clock:       cfg.Clock,
		metrics:     newNotifyMetrics(logger),
	}
	if n.timeout <= 0 {
		n.timeout = defaultTimeout
	}
	if n.maxAttempts <= 0 {
		n.maxAttempts = 1
	}
	if n.baseDelay <= 0 {
		n.baseDelay = defaultBaseDelay
	}
	if n.maxDelay <= 0 {
		n.maxDelay = defaultMaxDelay
	}
	if n.multiplier <= 1 {
		n.multiplier = defaultMultiplier
	}
	if n.clock == nil {
		n.clock = clock.Real{}
	}
	return n
}

// Settle asks p to complete or compensate. A participant without an endpoint
// for the requested direction has nothing to do and is reported done.
func (n *Notifier) Settle(ctx context.Context, a lra.Data, p *lra.Participant, compensate bool) (lra.ParticipantStatus, error) {
	done, pending, failed := lra.Outcome(compensate)
	endpoint := p.Endpoints.Complete
	kind := "complete"
	if compensate {
		endpoint = p.Endpoints.Compensate
		kind = "compensate"
	}
	logger := loggingutil.FromContext(ctx, n.logger).With("lra_id", a.ID, "participant", p.ID, "endpoint", endpoint)
	if endpoint == "" {
		logger.Trace("notify.settle.no_endpoint", "kind", kind)
		return done, nil
	}
	start := n.clock.Now()
	status, err := n.callWithRetry(ctx, kind, func(ctx context.Context) (lra.ParticipantStatus, error) {
		code, body, err := n.put(ctx, endpoint, a, p, p.Data)
		if err != nil {
			return "", err
		}
		return classify(endpoint, code, body, done, pending, failed)
	})
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		logger.Warn("notify.settle.unreachable", "kind", kind, "error", err)
	case status.Failed():
		result = "failed"
		logger.Warn("notify.settle.failed", "kind", kind, "status", status)
		n.forget(ctx, a, p, logger)
	case status == pending:
		result = "pending"
		logger.Debug("notify.settle.pending", "kind", kind)
	default:
		logger.Debug("notify.settle.done", "kind", kind, "status", status)
	}
	n.metrics.recordCall(ctx, kind, result, n.clock.Now().Sub(start))
	return status, err
}

// AfterLRA tells a listener the final status of a.
func (n *Notifier) AfterLRA(ctx context.Context, a lra.Data, p *lra.Participant) error {
	endpoint := p.Endpoints.After
	if endpoint == "" {
		return nil
	}
	logger := loggingutil.FromContext(ctx, n.logger).With("lra_id", a.ID, "participant", p.ID, "endpoint", endpoint)
	start := n.clock.Now()
	_, err := n.callWithRetry(ctx, "after", func(ctx context.Context) (lra.ParticipantStatus, error) {
		code, body, err := n.put(ctx, endpoint, a, p, []byte(a.Status))
		if err != nil {
			return "", err
		}
		if code >= 200 && code < 300 {
			return "", nil
		}
		return "", &CallError{Endpoint: endpoint, Status: code, Body: body}
	})
	result := "ok"
	if err != nil {
		result = "error"
		logger.Warn("notify.after.failed", "status", a.Status, "error", err)
	} else {
		logger.Debug("notify.after.delivered", "status", a.Status)
	}
	n.metrics.recordCall(ctx, "after", result, n.clock.Now().Sub(start))
	return err
}

// forget releases a participant that reported a failure so it can discard
// what it remembers of the action. Failures are logged only.
func (n *Notifier) forget(ctx context.Context, a lra.Data, p *lra.Participant, logger pslog.Logger) {
	endpoint := p.Endpoints.Forget
	if endpoint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	req, err := n.newRequest(ctx, http.MethodDelete, endpoint, a, p, nil)
	if err != nil {
		logger.Warn("notify.forget.request_error", "error", err)
		return
	}
	resp, err := n.client.Do(req)
	if err != nil {
		logger.Warn("notify.forget.failed", "error", err)
		n.metrics.recordCall(ctx, "forget", "error", 0)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	logger.Debug("notify.forget.sent", "status_code", resp.StatusCode)
	n.metrics.recordCall(ctx, "forget", "ok", 0)
}

func (n *Notifier) callWithRetry(ctx context.Context, kind string, fn func(context.Context) (lra.ParticipantStatus, error)) (lra.ParticipantStatus, error) {
	delay := n.baseDelay
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n.metrics.recordAttempt(ctx, kind)
		status, err := fn(ctx)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if attempt == n.maxAttempts {
			break
		}
		if delay > n.maxDelay {
			delay = n.maxDelay
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-n.clock.After(delay):
		}
		delay = time.Duration(float64(delay)*n.multiplier + 0.5)
	}
	return "", lastErr
}

func (n *Notifier) put(ctx context.Context, endpoint string, a lra.Data, p *lra.Participant, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	req, err := n.newRequest(ctx, http.MethodPut, endpoint, a, p, body)
	if err != nil {
		return 0, "", err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, strings.TrimSpace(string(raw)), nil
}

func (n *Notifier) newRequest(ctx context.Context, method, endpoint string, a lra.Data, p *lra.Participant, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(HeaderLRA, a.ID)
	if p.RecoveryID != "" {
		req.Header.Set(HeaderRecovery, p.RecoveryID)
	}
	if a.ParentID != "" {
		req.Header.Set(HeaderParentLRA, a.ParentID)
	}
	if a.Status.Terminal() {
		req.Header.Set(HeaderEnded, string(a.Status))
	}
	req.Header.Set("Content-Type", "text/plain")
	return req, nil
}

// errRetry marks a response worth repeating.
var errRetry = errors.New("notify: retryable response")

func classify(endpoint string, code int, body string, done, pending, failed lra.ParticipantStatus) (lra.ParticipantStatus, error) {
	switch code {
	case http.StatusOK, http.StatusNoContent:
		if body == "" {
			return done, nil
		}
		reported, ok := lra.ParseParticipantStatus(body)
		if !ok {
			// Anything that is not a status is application output.
			return done, nil
		}
		switch {
		case reported.Failed():
			return failed, nil
		case reported.Done():
			return done, nil
		default:
			return pending, nil
		}
	case http.StatusAccepted:
		return pending, nil
	case http.StatusNotFound, http.StatusGone:
		return done, nil
	}
	return "", fmt.Errorf("%w: %w", errRetry, &CallError{Endpoint: endpoint, Status: code, Body: body})
}
