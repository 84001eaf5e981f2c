// Package storagetest holds the conformance checks every storage.Backend
// must pass before the transaction log can be written against it.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/lra/internal/storage"
)

// Options tunes the suite for emulators that lack part of the contract.
type Options struct {
	// NoCreateOnly skips the IfNotExists checks. Some S3 emulators ignore
	// If-None-Match on PUT.
	NoCreateOnly bool
}

// Run exercises backend. Namespaces are prefixed with ns so suites sharing a
// bucket do not collide.
func Run(t *testing.T, backend storage.Backend, ns string) {
	t.Helper()
	RunWithOptions(t, backend, ns, Options{})
}

// RunWithOptions is Run with parts of the suite switched off.
func RunWithOptions(t *testing.T, backend storage.Backend, ns string, opts Options) {
	t.Helper()
	t.Run("RoundTrip", func(t *testing.T) { roundTrip(t, backend, ns+"-rt") })
	t.Run("Conditional", func(t *testing.T) { conditional(t, backend, ns+"-cas", !opts.NoCreateOnly) })
	t.Run("ListPaging", func(t *testing.T) { listPaging(t, backend, ns+"-list") })
	t.Run("NamespaceIsolation", func(t *testing.T) { isolation(t, backend, ns+"-a", ns+"-b") })
	if !opts.NoCreateOnly {
		t.Run("CreateRace", func(t *testing.T) { createRace(t, backend, ns+"-race") })
	}
}

func put(t *testing.T, b storage.Backend, ns, key, body string, opts storage.PutObjectOptions) *storage.ObjectInfo {
	t.Helper()
	info, err := b.PutObject(context.Background(), ns, key, bytes.NewReader([]byte(body)), opts)
	if err != nil {
		t.Fatalf("put %s/%s: %v", ns, key, err)
	}
	if info.ETag == "" {
		t.Fatalf("put %s/%s: empty etag", ns, key)
	}
	return info
}

func get(t *testing.T, b storage.Backend, ns, key string) (string, *storage.ObjectInfo) {
	t.Helper()
	res, err := b.GetObject(context.Background(), ns, key)
	if err != nil {
		t.Fatalf("get %s/%s: %v", ns, key, err)
	}
	defer res.Reader.Close()
	raw, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read %s/%s: %v", ns, key, err)
	}
	return string(raw), res.Info
}

func roundTrip(t *testing.T, b storage.Backend, ns string) {
	ctx := context.Background()
	info := put(t, b, ns, "actions/one", `{"id":"one"}`, storage.PutObjectOptions{ContentType: storage.ContentTypeJSON})
	body, got := get(t, b, ns, "actions/one")
	if body != `{"id":"one"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if got.ETag != info.ETag {
		t.Fatalf("etag mismatch: put %s get %s", info.ETag, got.ETag)
	}
	if got.ContentType != storage.ContentTypeJSON {
		t.Fatalf("content type not kept: %q", got.ContentType)
	}
	if err := b.DeleteObject(ctx, ns, "actions/one", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.GetObject(ctx, ns, "actions/one"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "actions/one", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "actions/one", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
}

func conditional(t *testing.T, b storage.Backend, ns string, createOnly bool) {
	ctx := context.Background()
	first := put(t, b, ns, "k", "v1", storage.PutObjectOptions{IfNotExists: createOnly})
	if createOnly {
		if _, err := b.PutObject(ctx, ns, "k", bytes.NewReader([]byte("v2")), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
			t.Fatalf("expected ErrCASMismatch on create over existing, got %v", err)
		}
	}
	second := put(t, b, ns, "k", "v2", storage.PutObjectOptions{ExpectedETag: first.ETag})
	if second.ETag == first.ETag {
		t.Fatal("etag did not change on update")
	}
	if _, err := b.PutObject(ctx, ns, "k", bytes.NewReader([]byte("v3")), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch on stale etag, got %v", err)
	}
	if _, err := b.PutObject(ctx, ns, "missing", bytes.NewReader([]byte("v")), storage.PutObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrNotFound or ErrCASMismatch updating a missing key, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "k", storage.DeleteObjectOptions{ExpectedETag: first.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch deleting with stale etag, got %v", err)
	}
	if err := b.DeleteObject(ctx, ns, "k", storage.DeleteObjectOptions{ExpectedETag: second.ETag}); err != nil {
		t.Fatalf("conditional delete: %v", err)
	}
}

func listPaging(t *testing.T, b storage.Backend, ns string) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		put(t, b, ns, fmt.Sprintf("a/%02d", i), "x", storage.PutObjectOptions{})
	}
	put(t, b, ns, "b/00", "x", storage.PutObjectOptions{})

	var keys []string
	opts := storage.ListOptions{Prefix: "a/", Limit: 2}
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("listing did not terminate")
		}
		res, err := b.ListObjects(ctx, ns, opts)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, obj := range res.Objects {
			keys = append(keys, obj.Key)
		}
		if !res.Truncated {
			break
		}
		opts.StartAfter = res.NextStartAfter
	}
	want := []string{"a/00", "a/01", "a/02", "a/03", "a/04"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("unexpected keys %v", keys)
	}
	var all []string
	if err := storage.ListAll(ctx, b, ns, "", func(obj storage.ObjectInfo) error {
		all = append(all, obj.Key)
		return nil
	}); err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 keys, got %v", all)
	}
}

func isolation(t *testing.T, b storage.Backend, nsA, nsB string) {
	put(t, b, nsA, "shared", "a", storage.PutObjectOptions{})
	if _, err := b.GetObject(context.Background(), nsB, "shared"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("namespace leaked: %v", err)
	}
	res, err := b.ListObjects(context.Background(), nsB, storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Objects) != 0 {
		t.Fatalf("namespace leaked in listing: %+v", res.Objects)
	}
}

func createRace(t *testing.T, b storage.Backend, ns string) {
	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.PutObject(context.Background(), ns, "once", bytes.NewReader([]byte(fmt.Sprint(i))), storage.PutObjectOptions{IfNotExists: true})
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, storage.ErrCASMismatch):
				t.Errorf("create %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one create to win, got %d", got)
	}
}
