// Package s3 keeps transaction log records on S3-compatible object storage
// through the MinIO client. Writes are conditional (If-Match, If-None-Match)
// so several coordinators can share one bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
)

// Config selects the endpoint, bucket and credentials.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	// CustomCreds replaces the env, file and IAM credential chain.
	CustomCreds *credentials.Credentials
	Transport   http.RoundTripper
	Logger      pslog.Logger
}

// Store is a storage.Backend on one bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	sse    encrypt.ServerSide
	logger pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New builds the MinIO client. The endpoint defaults to AWS for the region.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	sse, err := serverSide(cfg.ServerSideEnc, cfg.KMSKeyID)
	if err != nil {
		return nil, err
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpointHost(cfg.Endpoint, cfg.Region), options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		sse:    sse,
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.s3"),
	}, nil
}

func endpointHost(endpoint, region string) string {
	switch {
	case endpoint != "":
		return endpoint
	case region != "":
		return "s3." + region + ".amazonaws.com"
	}
	return "s3.amazonaws.com"
}

// serverSide maps the configured mode onto a MinIO encryption option.
func serverSide(mode, kmsKey string) (encrypt.ServerSide, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "":
		return nil, nil
	case "AES256":
		return encrypt.NewSSE(), nil
	case "AWS:KMS", "KMS":
		if kmsKey == "" {
			return nil, errors.New("s3: kms encryption needs a key id")
		}
		sse, err := encrypt.NewSSEKMS(kmsKey, nil)
		if err != nil {
			return nil, fmt.Errorf("s3: kms encryption: %w", err)
		}
		return sse, nil
	}
	return nil, fmt.Errorf("s3: unknown server side encryption %q", mode)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Client exposes the MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.bucket)
}

// call runs fn and logs its outcome at a level matching the result.
func (s *Store) call(ctx context.Context, op, namespace, key string, fn func() error) error {
	logger := loggingutil.FromContext(ctx, s.logger).With("storage_backend", "s3", "namespace", namespace, "key", key)
	start := time.Now()
	err := fn()
	switch {
	case err == nil:
		logger.Trace("s3."+op+".ok", "elapsed", time.Since(start))
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		logger.Trace("s3."+op+".rejected", "reason", err)
	default:
		logger.Debug("s3."+op+".error", "error", err, "elapsed", time.Since(start))
	}
	return err
}

// ListObjects walks the namespace in key order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.objectKey(namespace, "") + "/"
	listOpts := minio.ListObjectsOptions{
		Prefix:    root + strings.TrimPrefix(opts.Prefix, "/"),
		Recursive: true,
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = root + strings.TrimPrefix(opts.StartAfter, "/")
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	result := &storage.ListResult{}
	err := s.call(ctx, "list", namespace, opts.Prefix, func() error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		for obj := range s.client.ListObjects(ctx, s.bucket, listOpts) {
			if obj.Err != nil {
				return translate(obj.Err, "s3: list objects")
			}
			key, ok := strings.CutPrefix(obj.Key, root)
			if !ok || key == "" {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				return nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         unquote(obj.ETag),
				Size:         obj.Size,
				LastModified: obj.LastModified,
				ContentType:  obj.ContentType,
			})
			result.NextStartAfter = key
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetObject reads a whole record. The MinIO reader is lazy, so the body is
// drained here and errors surface from this call rather than from Read.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var out storage.GetObjectResult
	err := s.call(ctx, "get", namespace, key, func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(namespace, key), minio.GetObjectOptions{})
		if err != nil {
			return translate(err, "s3: get object")
		}
		defer obj.Close()
		stat, err := obj.Stat()
		if err != nil {
			return translate(err, "s3: stat object")
		}
		payload, err := io.ReadAll(obj)
		if err != nil {
			return translate(err, "s3: read object")
		}
		out = storage.GetObjectResult{
			Reader: io.NopCloser(bytes.NewReader(payload)),
			Info: &storage.ObjectInfo{
				Key:          key,
				ETag:         unquote(stat.ETag),
				Size:         int64(len(payload)),
				LastModified: stat.LastModified,
				ContentType:  stat.ContentType,
			},
		}
		return nil
	})
	return out, err
}

// PutObject writes a record, guarded by opts.ExpectedETag or opts.IfNotExists.
// The body is buffered so MinIO sees a known length and uploads one part.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType, ServerSideEncryption: s.sse}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeJSON
	}
	switch {
	case opts.ExpectedETag != "":
		putOpts.SetMatchETag(opts.ExpectedETag)
	case opts.IfNotExists:
		putOpts.SetMatchETagExcept("*")
	}
	var info *storage.ObjectInfo
	err = s.call(ctx, "put", namespace, key, func() error {
		up, err := s.client.PutObject(ctx, s.bucket, s.objectKey(namespace, key), bytes.NewReader(payload), int64(len(payload)), putOpts)
		if err != nil {
			return translate(err, "s3: put object")
		}
		info = &storage.ObjectInfo{
			Key:          key,
			ETag:         unquote(up.ETag),
			Size:         up.Size,
			LastModified: time.Now().UTC(),
			ContentType:  putOpts.ContentType,
		}
		return nil
	})
	return info, err
}

// DeleteObject removes a record. S3 has no conditional delete, so the ETag
// is compared against a stat taken just before the removal.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(namespace, key)
	err := s.call(ctx, "delete", namespace, key, func() error {
		stat, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
		if err != nil {
			return translate(err, "s3: stat object")
		}
		if opts.ExpectedETag != "" && unquote(stat.ETag) != opts.ExpectedETag {
			return storage.ErrCASMismatch
		}
		return translate(s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}), "s3: delete object")
	})
	if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Store) objectKey(namespace, key string) string {
	return strings.TrimPrefix(path.Join(s.prefix, namespace, strings.TrimPrefix(key, "/")), "/")
}

func unquote(etag string) string {
	return strings.Trim(etag, `"`)
}

// translate maps MinIO errors onto the storage sentinels. Anything else is
// wrapped with msg and marked transient when a retry may help.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return storage.ErrCASMismatch
	case resp.StatusCode == http.StatusConflict && (resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted"):
		return storage.ErrCASMismatch
	case resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket":
		return storage.ErrNotFound
	}
	return storage.Classify(err, msg, minioStatus)
}

func minioStatus(err error) (int, bool) {
	code := minio.ToErrorResponse(err).StatusCode
	return code, code != 0
}
