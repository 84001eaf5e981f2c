// Package aws keeps transaction log records in Amazon S3 through the AWS SDK
// v2. Compare-and-swap uses S3 conditional writes (If-Match, If-None-Match).
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
)

// Config selects the bucket and how to reach it.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	Logger         pslog.Logger
}

// Store is a storage.Backend on one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	sse    types.ServerSideEncryption
	kmsKey string
	logger pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

// opTimeout bounds every S3 call that arrives without a tighter deadline.
const opTimeout = 30 * time.Second

// New resolves credentials through the default AWS chain.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Bucket == "":
		return nil, errors.New("aws: bucket is required")
	case cfg.Region == "":
		return nil, errors.New("aws: region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: transport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	endpoint := endpointURL(cfg.Endpoint, cfg.Insecure)
	s := &Store{
		client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
		}),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: loggingutil.WithSubsystem(cfg.Logger, "storage.aws"),
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.ServerSideEnc)) {
	case "AES256":
		s.sse = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		s.sse = types.ServerSideEncryptionAwsKms
		s.kmsKey = cfg.KMSKeyID
	}
	return s, nil
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(raw string, insecure bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	if insecure {
		return "http://" + raw
	}
	return "https://" + raw
}

func transport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t := base.Clone()
	t.MaxIdleConnsPerHost = 32
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// Close is a no-op; the SDK client holds no resources of its own.
func (s *Store) Close() error { return nil }

// call runs fn under opTimeout and logs how it went.
func (s *Store) call(ctx context.Context, op, namespace, key string, fn func(context.Context) error) error {
	logger := loggingutil.FromContext(ctx, s.logger).With("storage_backend", "aws", "namespace", namespace, "key", key)
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	switch {
	case err == nil:
		logger.Trace("aws."+op+".ok", "elapsed", time.Since(start))
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		logger.Trace("aws."+op+".rejected", "reason", err)
	default:
		logger.Debug("aws."+op+".error", "error", err, "elapsed", time.Since(start))
	}
	return err
}

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.call(ctx, "head_bucket", "", "", func(ctx context.Context) error {
		_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
		if err == nil || isNotFound(err) {
			exists = err == nil
			return nil
		}
		return translate(err, "aws: head bucket")
	})
	return exists, err
}

// ListObjects pages through the namespace in key order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.objectKey(namespace, "") + "/"
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	err := s.call(ctx, "list", namespace, opts.Prefix, func(ctx context.Context) error {
		pages := s3.NewListObjectsV2Paginator(s.client, input)
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				return translate(err, "aws: list objects")
			}
			for _, obj := range page.Contents {
				key, ok := strings.CutPrefix(aws.ToString(obj.Key), root)
				if !ok || key == "" {
					continue
				}
				if opts.Limit > 0 && len(result.Objects) == opts.Limit {
					result.Truncated = true
					return nil
				}
				result.Objects = append(result.Objects, storage.ObjectInfo{
					Key:          key,
					ETag:         unquote(aws.ToString(obj.ETag)),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				})
				result.NextStartAfter = key
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetObject reads a whole record. Records are small, so the body is
// buffered and the request context released before returning.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var out storage.GetObjectResult
	err := s.call(ctx, "get", namespace, key, func(ctx context.Context) error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(namespace, key)),
		})
		if err != nil {
			return translate(err, "aws: get object")
		}
		defer resp.Body.Close()
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return storage.Classify(err, "aws: read object", nil)
		}
		out = storage.GetObjectResult{
			Reader: io.NopCloser(bytes.NewReader(payload)),
			Info: &storage.ObjectInfo{
				Key:          key,
				ETag:         unquote(aws.ToString(resp.ETag)),
				Size:         int64(len(payload)),
				LastModified: aws.ToTime(resp.LastModified),
				ContentType:  aws.ToString(resp.ContentType),
			},
		}
		return nil
	})
	return out, err
}

// PutObject writes a record, guarded by opts.ExpectedETag or opts.IfNotExists.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	input := &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.objectKey(namespace, key)),
		Body:                 bytes.NewReader(payload),
		ContentLength:        aws.Int64(int64(len(payload))),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: s.sse,
	}
	if s.kmsKey != "" {
		input.SSEKMSKeyId = aws.String(s.kmsKey)
	}
	switch {
	case opts.ExpectedETag != "":
		input.IfMatch = aws.String(opts.ExpectedETag)
	case opts.IfNotExists:
		input.IfNoneMatch = aws.String("*")
	}
	var info *storage.ObjectInfo
	err = s.call(ctx, "put", namespace, key, func(ctx context.Context) error {
		out, err := s.client.PutObject(ctx, input)
		if err != nil {
			return translate(err, "aws: put object")
		}
		info = &storage.ObjectInfo{
			Key:          key,
			ETag:         unquote(aws.ToString(out.ETag)),
			Size:         int64(len(payload)),
			LastModified: time.Now().UTC(),
			ContentType:  contentType,
		}
		return nil
	})
	return info, err
}

// DeleteObject removes a record. S3 deletes succeed for missing keys, so a
// HEAD runs first unless the caller ignores absence anyway.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	object := s.objectKey(namespace, key)
	return s.call(ctx, "delete", namespace, key, func(ctx context.Context) error {
		if !opts.IgnoreNotFound {
			_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(object)})
			if err != nil {
				return translate(err, "aws: head object")
			}
		}
		input := &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(object)}
		if opts.ExpectedETag != "" {
			input.IfMatch = aws.String(opts.ExpectedETag)
		}
		_, err := s.client.DeleteObject(ctx, input)
		err = translate(err, "aws: delete object")
		if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) objectKey(namespace, key string) string {
	return strings.TrimPrefix(path.Join(s.prefix, namespace, strings.TrimPrefix(key, "/")), "/")
}

func unquote(etag string) string {
	return strings.Trim(etag, `"`)
}

// translate maps SDK errors onto the storage sentinels. Anything else is
// wrapped with msg and marked transient when a retry may help.
func translate(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case isPreconditionFailed(err):
		return storage.ErrCASMismatch
	case isNotFound(err):
		return storage.ErrNotFound
	}
	return storage.Classify(err, msg, httpStatusCode)
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

// isNotFound trusts the S3 error code when there is one, so a missing
// bucket is not mistaken for a missing record.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}
