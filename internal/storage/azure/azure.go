// Package azure keeps transaction log records in an Azure Blob Storage
// container. Blob ETags carry the If-Match and If-None-Match conditions.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
)

// Config names the account, container and one of two credentials: a shared
// key or a SAS token.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
	Logger     pslog.Logger
}

// Store is a storage.Backend on one container.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
	logger    pslog.Logger
}

var _ storage.Backend = (*Store)(nil)

const setupTimeout = 30 * time.Second

// New connects to the account and creates the container when it is missing.
func New(cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, errors.New("azure: account is required")
	case cfg.Container == "":
		return nil, errors.New("azure: container is required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, errors.New("azure: account key or SAS token required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.azure"),
	}, nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: httpClient()}}
	if cfg.SASToken != "" {
		signed, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		client, err := azblob.NewClientWithNoCredential(signed, opts)
		if err != nil {
			return nil, fmt.Errorf("azure: create client: %w", err)
		}
		return client, nil
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: shared key: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return client, nil
}

// httpClient keeps a larger idle pool than the SDK default; recovery scans
// issue many small reads against the same host.
func httpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 64
	return &http.Client{Transport: transport}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) call(ctx context.Context, op, namespace, key string, fn func() error) error {
	logger := loggingutil.FromContext(ctx, s.logger).With("storage_backend", "azure", "namespace", namespace, "key", key)
	start := time.Now()
	err := fn()
	switch {
	case err == nil:
		logger.Trace("azure."+op+".ok", "elapsed", time.Since(start))
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
		logger.Trace("azure."+op+".rejected", "reason", err)
	default:
		logger.Debug("azure."+op+".error", "error", err, "elapsed", time.Since(start))
	}
	return err
}

// Blob names escape each key segment so keys holding URLs stay one level deep
// under the namespace.
func (s *Store) root(namespace string) string {
	return path.Join(s.prefix, url.PathEscape(strings.Trim(namespace, "/"))) + "/"
}

func (s *Store) blobName(namespace, key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", errors.New("azure: object key required")
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return s.root(namespace) + strings.Join(segments, "/"), nil
}

// keyOf reverses blobName for a blob listed under root.
func keyOf(name, root string) (string, bool) {
	rel, ok := strings.CutPrefix(name, root)
	if !ok || rel == "" {
		return "", false
	}
	segments := strings.Split(rel, "/")
	for i, segment := range segments {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", false
		}
		segments[i] = value
	}
	return strings.Join(segments, "/"), true
}

// ListObjects walks the namespace. Azure orders by escaped name, so filters
// run on the unescaped key to keep ordering aligned with the other backends.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	root := s.root(namespace)
	want := strings.TrimPrefix(opts.Prefix, "/")
	result := &storage.ListResult{}
	err := s.call(ctx, "list", namespace, opts.Prefix, func() error {
		pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(root)})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return translate(err, "azure: list blobs")
			}
			for _, item := range page.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				key, ok := keyOf(*item.Name, root)
				if !ok || !strings.HasPrefix(key, want) || (opts.StartAfter != "" && key <= opts.StartAfter) {
					continue
				}
				if opts.Limit > 0 && len(result.Objects) == opts.Limit {
					result.Truncated = true
					return nil
				}
				info := storage.ObjectInfo{Key: key}
				if p := item.Properties; p != nil {
					info.ETag = etagString(p.ETag)
					info.Size = deref(p.ContentLength)
					info.LastModified = deref(p.LastModified).UTC()
					info.ContentType = deref(p.ContentType)
				}
				result.Objects = append(result.Objects, info)
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

// GetObject downloads a whole record.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	var out storage.GetObjectResult
	err = s.call(ctx, "get", namespace, key, func() error {
		resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
		if err != nil {
			return translate(err, "azure: download blob")
		}
		defer resp.Body.Close()
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return translate(err, "azure: read blob")
		}
		out = storage.GetObjectResult{
			Reader: io.NopCloser(bytes.NewReader(payload)),
			Info: &storage.ObjectInfo{
				Key:          key,
				ETag:         etagString(resp.ETag),
				Size:         int64(len(payload)),
				LastModified: deref(resp.LastModified).UTC(),
				ContentType:  deref(resp.ContentType),
			},
		}
		return nil
	})
	return out, err
}

// PutObject uploads a record, guarded by opts.ExpectedETag or opts.IfNotExists.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read body: %w", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeJSON
	}
	uploadOpts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	}
	switch {
	case opts.ExpectedETag != "":
		uploadOpts.AccessConditions = ifMatch(opts.ExpectedETag)
	case opts.IfNotExists:
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	var info *storage.ObjectInfo
	err = s.call(ctx, "put", namespace, key, func() error {
		resp, err := s.client.UploadBuffer(ctx, s.container, name, payload, uploadOpts)
		if err != nil {
			return translate(err, "azure: upload blob")
		}
		info = &storage.ObjectInfo{
			Key:          key,
			ETag:         etagString(resp.ETag),
			Size:         int64(len(payload)),
			LastModified: time.Now().UTC(),
			ContentType:  contentType,
		}
		return nil
	})
	return info, err
}

// DeleteObject removes a record, guarded by opts.ExpectedETag when set.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(namespace, key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = ifMatch(opts.ExpectedETag)
	}
	err = s.call(ctx, "delete", namespace, key, func() error {
		_, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts)
		return translate(err, "azure: delete blob")
	})
	if opts.IgnoreNotFound && errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func ifMatch(etag string) *blob.AccessConditions {
	return &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(etag))},
	}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func etagString(etag *azcore.ETag) string {
	if etag == nil {
		return ""
	}
	return string(*etag)
}

// translate maps Azure response errors onto the storage sentinels. A 409 on
// a conditional write means another writer won the race.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusPreconditionFailed:
			return storage.ErrCASMismatch
		case respErr.StatusCode == http.StatusConflict && !strings.EqualFold(respErr.ErrorCode, "ContainerBeingDeleted"):
			return storage.ErrCASMismatch
		case respErr.StatusCode == http.StatusNotFound && !strings.EqualFold(respErr.ErrorCode, "ContainerNotFound"):
			return storage.ErrNotFound
		}
	}
	return storage.Classify(err, msg, azureStatus)
}

func azureStatus(err error) (int, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode, true
	}
	return 0, false
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict &&
		strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}
