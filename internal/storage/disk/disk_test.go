package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/lra/internal/storage"
	"pkt.systems/lra/internal/storage/storagetest"
)

func newStore(t *testing.T, root string) *Store {
	t.Helper()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDiskStoreConformance(t *testing.T) {
	storagetest.Run(t, newStore(t, t.TempDir()), "lra")
}

func TestDiskStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first := newStore(t, root)
	info, err := first.PutObject(ctx, "lra", "actions/abc", bytes.NewReader([]byte(`{"status":"Closing"}`)), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	second := newStore(t, root)
	res, err := second.GetObject(ctx, "lra", "actions/abc")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	defer res.Reader.Close()
	raw, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != `{"status":"Closing"}` {
		t.Fatalf("unexpected body %q", raw)
	}
	if res.Info.ETag != info.ETag {
		t.Fatalf("etag changed across reopen: %s vs %s", res.Info.ETag, info.ETag)
	}
	if res.Info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("content type lost: %q", res.Info.ContentType)
	}
}

func TestDiskStoreRejectsInvalidKeys(t *testing.T) {
	store := newStore(t, t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"", "actions/x" + infoSuffix} {
		if _, err := store.PutObject(ctx, "lra", key, bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
	if _, err := store.PutObject(ctx, "..", "k", bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err == nil {
		t.Fatal("expected error for namespace escaping the root")
	}
}

func TestDiskStoreDotDotStaysInsideNamespace(t *testing.T) {
	root := t.TempDir()
	store := newStore(t, root)
	if _, err := store.PutObject(context.Background(), "lra", "../../escape", bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "lra", "escape")); err != nil {
		t.Fatalf("expected object inside namespace: %v", err)
	}
}

func TestDiskStoreDeletePrunesEmptyDirs(t *testing.T) {
	root := t.TempDir()
	store := newStore(t, root)
	ctx := context.Background()
	if _, err := store.PutObject(ctx, "lra", "failed/deep/one", bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "lra", "failed/deep/one", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "objects", "lra", "failed", "deep")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected empty directory pruned, stat err %v", err)
	}
}

func TestDiskStoreLockReleases(t *testing.T) {
	store := newStore(t, t.TempDir())
	for i := 0; i < 3; i++ {
		unlock, err := store.lock("lra", "actions/abc")
		if err != nil {
			t.Fatalf("lock %d: %v", i, err)
		}
		unlock()
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{Root: "  "}); err == nil {
		t.Fatal("expected error without root")
	}
}
