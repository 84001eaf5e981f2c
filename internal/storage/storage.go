package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Content type constants used for log records across backends.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.lra+json-encrypted"
)

// Sentinel errors shared by every backend.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Backend defines the object contract the transaction log is written against.
// Keys are scoped by namespace; a namespace never leaks into another.
type Backend interface {
	// ListObjects enumerates objects under opts.Prefix in ascending lexical
	// order. Results are limited by opts.Limit when >0 and resume from
	// opts.StartAfter when provided.
	ListObjects(ctx context.Context, namespace string, opts ListOptions) (*ListResult, error)
	// GetObject fetches the raw bytes for key. Callers must close the reader.
	GetObject(ctx context.Context, namespace, key string) (GetObjectResult, error)
	// PutObject writes a blob to key, applying conditional semantics when
	// opts.ExpectedETag or opts.IfNotExists are set.
	PutObject(ctx context.Context, namespace, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// DeleteObject removes key, optionally enforcing a matching ETag.
	DeleteObject(ctx context.Context, namespace, key string, opts DeleteObjectOptions) error
	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls conditional semantics and metadata for PutObject.
type PutObjectOptions struct {
	// ExpectedETag enables CAS semantics. When empty, no CAS is enforced.
	ExpectedETag string
	// IfNotExists enforces creation-only semantics. Ignored when
	// ExpectedETag is provided.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional semantics for DeleteObject.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions guides ListObjects traversal.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult captures the outcome of a ListObjects call.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ListAll pages through ListObjects until every key under prefix has been
// visited.
func ListAll(ctx context.Context, backend Backend, namespace, prefix string, visit func(ObjectInfo) error) error {
	if backend == nil {
		return ErrNotImplemented
	}
	opts := ListOptions{Prefix: prefix}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := backend.ListObjects(ctx, namespace, opts)
		if err != nil {
			return err
		}
		for _, obj := range res.Objects {
			if err := visit(obj); err != nil {
				return err
			}
		}
		if !res.Truncated || res.NextStartAfter == "" {
			return nil
		}
		opts.StartAfter = res.NextStartAfter
	}
}
