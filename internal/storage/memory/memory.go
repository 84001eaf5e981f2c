package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/lra/internal/storage"
	"pkt.systems/lra/internal/uuidv7"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]map[string]*objectEntry
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]map[string]*objectEntry)}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// ListObjects returns objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.objs[namespace]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = keys[len(keys)-1]
	}
	result.Objects = make([]storage.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		result.Objects = append(result.Objects, bucket[key].info(key))
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, namespace, key string) (storage.GetObjectResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[namespace][key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	info := entry.info(key)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info:   &info,
	}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.objs[namespace]
	if bucket == nil {
		bucket = make(map[string]*objectEntry)
		s.objs[namespace] = bucket
	}
	entry, exists := bucket[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	}
	entry = &objectEntry{
		payload:     payload,
		etag:        uuidv7.NewString(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	bucket[key] = entry
	info := entry.info(key)
	return &info, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[namespace][key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs[namespace], key)
	return nil
}

func (e *objectEntry) info(key string) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
