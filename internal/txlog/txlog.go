// Package txlog is the durable transaction log. Every live action is one JSON
// record keyed by its uid; actions that end in a failed outcome are moved to
// a separate namespace where they stay until an operator removes them.
package txlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/lra/internal/loggingutil"
	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/storage"
)

// Default namespaces.
const (
	DefaultNamespace       = "lra"
	DefaultFailedNamespace = "lra-failed"
)

// Config wires a Log.
type Config struct {
	Backend         storage.Backend
	Crypto          *storage.Crypto
	Logger          pslog.Logger
	Namespace       string
	FailedNamespace string
}

// Log persists action records through a storage backend.
type Log struct {
	backend   storage.Backend
	crypto    *storage.Crypto
	logger    pslog.Logger
	namespace string
	failedNS  string
}

// Entry is a record read back from the log with the etag it was read at.
type Entry struct {
	Record *lra.Record
	ETag   string
}

// New constructs a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Backend == nil {
		return nil, errors.New("txlog: backend required")
	}
	l := &Log{
		backend:   cfg.Backend,
		crypto:    cfg.Crypto,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "txlog"),
		namespace: strings.TrimSpace(cfg.Namespace),
		failedNS:  strings.TrimSpace(cfg.FailedNamespace),
	}
	if l.namespace == "" {
		l.namespace = DefaultNamespace
	}
	if l.failedNS == "" {
		l.failedNS = DefaultFailedNamespace
	}
	if l.namespace == l.failedNS {
		return nil, fmt.Errorf("txlog: live and failed namespaces must differ (%q)", l.namespace)
	}
	return l, nil
}

// Save writes rec. An empty etag creates the record; a CAS conflict means
// another writer touched it, so the current etag is reloaded and the write
// repeated once.
func (l *Log) Save(ctx context.Context, rec *lra.Record, etag string) (string, error) {
	info, err := l.put(ctx, l.namespace, rec, etag)
	if err == nil {
		return info.ETag, nil
	}
	if etag == "" || !(errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound)) {
		return "", err
	}
	current := ""
	if entry, loadErr := l.Load(ctx, rec.UID); loadErr == nil {
		current = entry.ETag
	} else if !errors.Is(loadErr, storage.ErrNotFound) {
		return "", loadErr
	}
	l.logger.Warn("txlog.save.cas_conflict", "uid", rec.UID, "expected_etag", etag, "current_etag", current)
	info, err = l.put(ctx, l.namespace, rec, current)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// Delete removes the live record for uid. A missing record is not an error.
func (l *Log) Delete(ctx context.Context, uid string) error {
	err := l.backend.DeleteObject(ctx, l.namespace, uid, storage.DeleteObjectOptions{IgnoreNotFound: true})
	if err != nil {
		return fmt.Errorf("txlog: delete %s: %w", uid, err)
	}
	l.logger.Debug("txlog.delete", "uid", uid)
	return nil
}

// Load reads the live record for uid.
func (l *Log) Load(ctx context.Context, uid string) (Entry, error) {
	return l.load(ctx, l.namespace, uid)
}

// PersistFailure moves rec into the failed namespace.
func (l *Log) PersistFailure(ctx context.Context, rec *lra.Record) error {
	if rec == nil {
		return errors.New("txlog: nil record")
	}
	// Overwrite unconditionally: an earlier attempt may have written the
	// failure record and then failed to delete the live one.
	if _, err := l.putUnconditional(ctx, l.failedNS, rec); err != nil {
		return err
	}
	if err := l.Delete(ctx, rec.UID); err != nil {
		return err
	}
	l.logger.Info("txlog.failure.persisted", "uid", rec.UID, "lra_id", rec.ID, "status", rec.Status)
	return nil
}

// RemoveCommitted purges the record for uid once its action has finished:
// a failure record, or a live record that reached a terminal state. It
// reports false when there was nothing to remove.
func (l *Log) RemoveCommitted(ctx context.Context, uid string) (bool, error) {
	if uid == "" {
		return false, nil
	}
	err := l.backend.DeleteObject(ctx, l.failedNS, uid, storage.DeleteObjectOptions{})
	switch {
	case err == nil:
		l.logger.Info("txlog.remove_committed", "uid", uid, "namespace", l.failedNS)
		return true, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("txlog: remove %s: %w", uid, err)
	}
	entry, err := l.Load(ctx, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !entry.Record.Status.Terminal() {
		return false, nil
	}
	err = l.backend.DeleteObject(ctx, l.namespace, uid, storage.DeleteObjectOptions{ExpectedETag: entry.ETag})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("txlog: remove %s: %w", uid, err)
	}
	l.logger.Info("txlog.remove_committed", "uid", uid, "namespace", l.namespace)
	return true, nil
}

// Scan visits every live record. Records that cannot be decoded are logged
// and skipped so one corrupt object does not block recovery.
func (l *Log) Scan(ctx context.Context, visit func(Entry) error) error {
	return l.scan(ctx, l.namespace, visit)
}

// LoadFailed returns every failure record.
func (l *Log) LoadFailed(ctx context.Context) ([]*lra.Record, error) {
	var out []*lra.Record
	err := l.scan(ctx, l.failedNS, func(e Entry) error {
		out = append(out, e.Record)
		return nil
	})
	return out, err
}

func (l *Log) scan(ctx context.Context, namespace string, visit func(Entry) error) error {
	return storage.ListAll(ctx, l.backend, namespace, "", func(obj storage.ObjectInfo) error {
		entry, err := l.load(ctx, namespace, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if errors.Is(err, errCorrupt) {
				l.logger.Warn("txlog.scan.skip", "namespace", namespace, "key", obj.Key, "error", err)
				return nil
			}
			return err
		}
		return visit(entry)
	})
}

var errCorrupt = errors.New("txlog: corrupt record")

func (l *Log) load(ctx context.Context, namespace, uid string) (Entry, error) {
	obj, err := l.backend.GetObject(ctx, namespace, uid)
	if err != nil {
		return Entry{}, err
	}
	defer obj.Reader.Close()
	raw, err := io.ReadAll(obj.Reader)
	if err != nil {
		return Entry{}, fmt.Errorf("txlog: read %s: %w", uid, err)
	}
	if l.crypto.Enabled() {
		if raw, err = l.crypto.Open(raw); err != nil {
			return Entry{}, fmt.Errorf("%w: %s: %v", errCorrupt, uid, err)
		}
	}
	var rec lra.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", errCorrupt, uid, err)
	}
	if rec.UID == "" {
		rec.UID = uid
	}
	etag := ""
	if obj.Info != nil {
		etag = obj.Info.ETag
	}
	return Entry{Record: &rec, ETag: etag}, nil
}

func (l *Log) put(ctx context.Context, namespace string, rec *lra.Record, etag string) (*storage.ObjectInfo, error) {
	return l.write(ctx, namespace, rec, storage.PutObjectOptions{
		ExpectedETag: etag,
		IfNotExists:  etag == "",
	})
}

func (l *Log) putUnconditional(ctx context.Context, namespace string, rec *lra.Record) (*storage.ObjectInfo, error) {
	return l.write(ctx, namespace, rec, storage.PutObjectOptions{})
}

func (l *Log) write(ctx context.Context, namespace string, rec *lra.Record, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("txlog: encode %s: %w", rec.UID, err)
	}
	payload, err := l.crypto.Seal(raw)
	if err != nil {
		return nil, err
	}
	opts.ContentType = l.crypto.ContentType()
	info, err := l.backend.PutObject(ctx, namespace, rec.UID, bytes.NewReader(payload), opts)
	if err != nil {
		return nil, fmt.Errorf("txlog: save %s: %w", rec.UID, err)
	}
	l.logger.Trace("txlog.save", "uid", rec.UID, "namespace", namespace, "status", rec.Status, "etag", info.ETag)
	return info, nil
}
