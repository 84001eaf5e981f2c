// Package disk implements storage.Backend on a local or shared filesystem.
// Objects live under <root>/objects/<namespace>/<key> with a JSON sidecar
// holding the ETag. Conditional writes are serialised by an in-process mutex
// and an advisory file lock so several coordinators may share one root.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/storage"
	"pkt.systems/lra/internal/uuidv7"
)

const infoSuffix = ".info.json"

// Config captures the tunables for the disk backend.
type Config struct {
	Root   string
	Now    func() time.Time
	Logger pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lockDir   string
	now       func() time.Time
	logger    pslog.Logger

	locks sync.Map
}

var _ storage.Backend = (*Store)(nil)

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		now:       cfg.Now,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.disk"),
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.logger.Info("disk.open", "root", root, "objects", humanize.Comma(int64(s.countObjects())))
	return s, nil
}

// Close satisfies storage.Backend; the disk store holds no open handles.
func (s *Store) Close() error {
	return nil
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	return loggingutil.FromContext(ctx, s.logger).With("storage_backend", "disk")
}

func (s *Store) countObjects() int {
	n := 0
	_ = filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && !strings.HasSuffix(d.Name(), infoSuffix) {
			n++
		}
		return nil
	})
	return n
}

func (s *Store) keyLock(namespace, key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(namespace+"/"+key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lock serialises conditional mutations of one object across goroutines and
// processes.
func (s *Store) lock(namespace, key string) (func(), error) {
	mu := s.keyLock(namespace, key)
	mu.Lock()
	rel, err := s.relPath(namespace, key)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	lockPath := filepath.Join(s.lockDir, filepath.FromSlash(rel)) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: prepare lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	fl := &fileLock{file: f}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}

func (s *Store) relPath(namespace, key string) (string, error) {
	namespace = strings.Trim(namespace, "/")
	if namespace == "" || strings.Contains(namespace, "..") {
		return "", fmt.Errorf("disk: invalid namespace %q", namespace)
	}
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return namespace + "/" + clean, nil
}

func (s *Store) paths(namespace, key string) (dataPath, infoPath string, err error) {
	rel, err := s.relPath(namespace, key)
	if err != nil {
		return "", "", err
	}
	dataPath = filepath.Join(s.objectDir, filepath.FromSlash(rel))
	return dataPath, dataPath + infoSuffix, nil
}

func (s *Store) loadObjectInfo(namespace, key string) (*storage.ObjectInfo, error) {
	dataPath, infoPath, err := s.paths(namespace, key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	payload, err := os.ReadFile(infoPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: missing object metadata for %q", key)
		}
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q missing etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects enumerates the keys of namespace in lexical order.
func (s *Store) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.loggers(ctx)
	start := time.Now()
	logger.Trace("disk.list_objects.begin", "namespace", namespace, "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	nsDir := filepath.Join(s.objectDir, filepath.FromSlash(strings.Trim(namespace, "/")))
	keys := make([]string, 0, 64)
	err := filepath.WalkDir(nsDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(nsDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	limit := len(keys)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, key := range keys[:limit] {
		info, err := s.loadObjectInfo(namespace, key)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while walking.
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	if limit < len(keys) {
		result.Truncated = true
		result.NextStartAfter = keys[limit-1]
	}
	logger.Debug("disk.list_objects.success",
		"namespace", namespace,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject streams the object payload for key.
func (s *Store) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	dataPath, _, err := s.paths(namespace, key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Trace("disk.get_object.not_found", "namespace", namespace, "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.loadObjectInfo(namespace, key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	logger.Trace("disk.get_object.success", "namespace", namespace, "key", key, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes an object with optional conditional semantics.
func (s *Store) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	dataPath, infoPath, err := s.paths(namespace, key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lock(namespace, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.loadObjectInfo(namespace, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		switch {
		case opts.ExpectedETag != "" && current == nil:
			return nil, storage.ErrNotFound
		case opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag:
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", current.ETag)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag == "" && current != nil:
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	written, err := s.writeAtomic(dataPath, "object", func(w io.Writer) (int64, error) {
		return io.Copy(w, body)
	})
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	rec := objectInfoRecord{ETag: uuidv7.NewString(), ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()}
	if _, err := s.writeAtomic(infoPath, "info", func(w io.Writer) (int64, error) {
		return 0, json.NewEncoder(w).Encode(rec)
	}); err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger.Trace("disk.put_object.success", "namespace", namespace, "key", key, "size", humanize.Bytes(uint64(written)), "etag", rec.ETag)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         written,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes an object applying optional CAS semantics.
func (s *Store) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	logger := s.loggers(ctx)
	dataPath, infoPath, err := s.paths(namespace, key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(namespace, key)
	if err != nil {
		return err
	}
	defer unlock()
	info, err := s.loadObjectInfo(namespace, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound {
			return nil
		}
		return err
	}
	if opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag {
		logger.Debug("disk.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", info.ETag)
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := os.Remove(infoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove object metadata %q: %w", key, err)
	}
	logger.Trace("disk.delete_object.success", "namespace", namespace, "key", key)

	stop := filepath.Join(s.objectDir, filepath.FromSlash(strings.Trim(namespace, "/")))
	for dir := filepath.Dir(dataPath); dir != stop && strings.HasPrefix(dir, stop); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
			break
		}
	}
	return nil
}

// writeAtomic writes dest through a synced temp file and a rename.
func (s *Store) writeAtomic(dest, prefix string, fill func(io.Writer) (int64, error)) (int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, "lra-"+prefix+"-*")
	if err != nil {
		return 0, err
	}
	n, err := fill(tmp)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
