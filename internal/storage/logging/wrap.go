package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/lra/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, namespace string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "lra.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("lra.storage.operation", op),
		attribute.String("lra.storage.namespace", namespace),
		attribute.String("lra.sys", b.sys),
	)
	logger := loggingutil.FromContext(ctx, b.logger).With("namespace", namespace)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("lra.storage.end", trace.WithAttributes(
			attribute.String("lra.storage.result", result),
			attribute.Int64("lra.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, finish := b.start(ctx, "list_objects", namespace)
	defer span.End()
	begin := time.Now()
	logger.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("lra.storage.objects", len(res.Objects)))
	finish("ok", nil)
	logger.Trace("storage.list_objects.success", "prefix", opts.Prefix, "count", len(res.Objects), "truncated", res.Truncated, "elapsed", time.Since(begin))
	return res, nil
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, span, logger, finish := b.start(ctx, "get_object", namespace)
	defer span.End()
	begin := time.Now()
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err != nil {
		result := "error"
		if errors.Is(err, storage.ErrNotFound) {
			result = "not_found"
		}
		finish(result, err)
		logger.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return res, err
	}
	finish("ok", nil)
	etag := ""
	if res.Info != nil {
		etag = res.Info.ETag
	}
	logger.Trace("storage.get_object.success", "key", key, "etag", etag, "elapsed", time.Since(begin))
	return res, nil
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := b.start(ctx, "put_object", namespace)
	defer span.End()
	begin := time.Now()
	span.SetAttributes(
		attribute.Bool("lra.storage.cas", opts.ExpectedETag != ""),
		attribute.Bool("lra.storage.if_not_exists", opts.IfNotExists),
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	if err != nil {
		finish("error", err)
		logger.Debug("storage.put_object.error", "key", key, "expected_etag", opts.ExpectedETag, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	finish("ok", nil)
	logger.Trace("storage.put_object.success", "key", key, "etag", info.ETag, "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, logger, finish := b.start(ctx, "delete_object", namespace)
	defer span.End()
	begin := time.Now()
	if err := b.inner.DeleteObject(ctx, namespace, key, opts); err != nil {
		finish("error", err)
		logger.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	logger.Trace("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	err := b.inner.Close()
	if err != nil {
		b.logger.Warn("storage.close.error", "sys", b.sys, "error", err)
	}
	return err
}
