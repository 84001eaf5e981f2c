package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/lra/internal/clock"
	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
)

// ErrNonReplayableBody is returned when a transient write failure cannot be
// retried because the request body cannot be rewound.
var ErrNonReplayableBody = errors.New("storage retry: body is not replayable")

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, "storage.retry"),
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", namespace, opts.Prefix, nil, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", namespace, key, nil, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	var info *storage.ObjectInfo
	err := b.withRetry(ctx, "put_object", namespace, key, body, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, namespace, key, body, opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", namespace, key, nil, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, namespace, key string, body io.Reader, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	seeker, replayable := body.(io.Seeker)
	if body == nil {
		replayable = true
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && seeker != nil {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("%w: rewind: %v", ErrNonReplayableBody, err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		if !replayable {
			return fmt.Errorf("%w: %s %s/%s: %v", ErrNonReplayableBody, op, namespace, key, err)
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
