package txlog

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"pkt.systems/kryptograf"

	"pkt.systems/lra/internal/lra"
	"pkt.systems/lra/internal/storage"
	"pkt.systems/lra/internal/storage/memory"
)

func newTestLog(t testing.TB, crypto *storage.Crypto) (*Log, *memory.Store) {
	t.Helper()
	store := memory.New()
	l, err := New(Config{Backend: store, Crypto: crypto})
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l, store
}

func testRecord(uid string, status lra.Status) *lra.Record {
	return &lra.Record{
		Version:  lra.RecordVersion,
		ID:       "http://coord/lra-coordinator/" + uid,
		UID:      uid,
		ClientID: "order-42",
		Status:   status,
		Participants: []lra.ParticipantRecord{{
			ID:         "p1",
			Endpoint:   "http://svc/p",
			RecoveryID: "http://coord/lra-coordinator/recovery/" + uid + "/p1",
			Status:     lra.ParticipantActive,
		}},
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without backend")
	}
	if _, err := New(Config{Backend: memory.New(), Namespace: "x", FailedNamespace: "x"}); err == nil {
		t.Fatal("expected error for identical namespaces")
	}
}

func TestSaveCreateAndUpdate(t *testing.T) {
	l, _ := newTestLog(t, nil)
	ctx := context.Background()
	rec := testRecord("0001", lra.StatusActive)
	etag, err := l.Save(ctx, rec, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Save(ctx, rec, ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}
	rec.Status = lra.StatusClosing
	next, err := l.Save(ctx, rec, etag)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	entry, err := l.Load(ctx, "0001")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry.ETag != next || entry.Record.Status != lra.StatusClosing || len(entry.Record.Participants) != 1 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestSaveRecoversFromStaleETag(t *testing.T) {
	l, _ := newTestLog(t, nil)
	ctx := context.Background()
	rec := testRecord("0002", lra.StatusActive)
	if _, err := l.Save(ctx, rec, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.Status = lra.StatusCancelling
	if _, err := l.Save(ctx, rec, "stale"); err != nil {
		t.Fatalf("save with stale etag: %v", err)
	}
	entry, err := l.Load(ctx, "0002")
	if err != nil || entry.Record.Status != lra.StatusCancelling {
		t.Fatalf("expected overwrite, got %+v %v", entry, err)
	}
	if err := l.Delete(ctx, "0002"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Save(ctx, rec, entry.ETag); err != nil {
		t.Fatalf("save after external delete: %v", err)
	}
}

func TestPersistFailureAndRemoveCommitted(t *testing.T) {
	l, _ := newTestLog(t, nil)
	ctx := context.Background()
	rec := testRecord("0003", lra.StatusFailedToCancel)
	if _, err := l.Save(ctx, rec, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.PersistFailure(ctx, rec); err != nil {
		t.Fatalf("persist failure: %v", err)
	}
	if err := l.PersistFailure(ctx, rec); err != nil {
		t.Fatalf("persist failure twice: %v", err)
	}
	if _, err := l.Load(ctx, "0003"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected live record gone, got %v", err)
	}
	failed, err := l.LoadFailed(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(failed) != 1 || failed[0].UID != "0003" {
		t.Fatalf("unexpected failed records %+v", failed)
	}
	removed, err := l.RemoveCommitted(ctx, "0003")
	if err != nil || !removed {
		t.Fatalf("remove committed: %v %v", removed, err)
	}
	removed, err = l.RemoveCommitted(ctx, "0003")
	if err != nil || removed {
		t.Fatalf("second remove should report false: %v %v", removed, err)
	}
}

func TestRemoveCommittedKeepsLiveActions(t *testing.T) {
	l, _ := newTestLog(t, nil)
	ctx := context.Background()
	if _, err := l.Save(ctx, testRecord("0004", lra.StatusActive), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if removed, err := l.RemoveCommitted(ctx, "0004"); err != nil || removed {
		t.Fatalf("active record must not be removed: %v %v", removed, err)
	}
	if _, err := l.Save(ctx, testRecord("0005", lra.StatusClosed), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if removed, err := l.RemoveCommitted(ctx, "0005"); err != nil || !removed {
		t.Fatalf("terminal record should be removed: %v %v", removed, err)
	}
	if removed, err := l.RemoveCommitted(ctx, "0001"); err != nil || removed {
		t.Fatalf("missing record should report false: %v %v", removed, err)
	}
}

func TestScanSkipsCorruptRecords(t *testing.T) {
	l, store := newTestLog(t, nil)
	ctx := context.Background()
	for _, uid := range []string{"a", "b"} {
		if _, err := l.Save(ctx, testRecord(uid, lra.StatusClosing), ""); err != nil {
			t.Fatalf("create %s: %v", uid, err)
		}
	}
	if _, err := store.PutObject(ctx, DefaultNamespace, "garbage", bytes.NewReader([]byte("{not json")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put garbage: %v", err)
	}
	var uids []string
	if err := l.Scan(ctx, func(e Entry) error {
		uids = append(uids, e.Record.UID)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(uids) != 2 || uids[0] != "a" || uids[1] != "b" {
		t.Fatalf("unexpected scan result %v", uids)
	}
}

func TestEncryptedRecords(t *testing.T) {
	root := kryptograf.MustGenerateRootKey()
	recordCtx := []byte("lra-records")
	mat, err := kryptograf.New(root).MintDEK(recordCtx)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled:          true,
		RootKey:          root,
		RecordDescriptor: mat.Descriptor,
		RecordContext:    recordCtx,
	})
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	l, store := newTestLog(t, crypto)
	ctx := context.Background()
	if _, err := l.Save(ctx, testRecord("0006", lra.StatusActive), ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	obj, err := store.GetObject(ctx, DefaultNamespace, "0006")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	var raw bytes.Buffer
	_, _ = raw.ReadFrom(obj.Reader)
	obj.Reader.Close()
	if bytes.Contains(raw.Bytes(), []byte("order-42")) {
		t.Fatal("record stored in plaintext")
	}
	if obj.Info.ContentType != storage.ContentTypeJSONEncrypted {
		t.Fatalf("unexpected content type %q", obj.Info.ContentType)
	}
	entry, err := l.Load(ctx, "0006")
	if err != nil || entry.Record.ClientID != "order-42" {
		t.Fatalf("load encrypted: %+v %v", entry, err)
	}
}
