package storage_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/kryptograf"

	"pkt.systems/lra/internal/storage"
	"pkt.systems/lra/internal/storage/memory"
)

func TestNewTransientErrorWraps(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	wrapped := storage.NewTransientError(err)
	if !errors.Is(wrapped, err) {
		t.Fatal("wrapped error should contain original")
	}
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected IsTransient to detect wrapped error")
	}
	if storage.IsTransient(err) {
		t.Fatal("plain error should not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil input should return nil")
	}
}

func TestListAllPagesThroughTruncatedResults(t *testing.T) {
	t.Parallel()

	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("lra/%02d", i)
		if _, err := store.PutObject(ctx, "ns", key, bytes.NewReader([]byte("{}")), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.PutObject(ctx, "ns", "other/1", bytes.NewReader(nil), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	var keys []string
	err := storage.ListAll(ctx, pagedBackend{Backend: store, limit: 2}, "ns", "lra/", func(obj storage.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %v", keys)
	}
	if keys[0] != "lra/00" || keys[4] != "lra/04" {
		t.Fatalf("unexpected order: %v", keys)
	}
}

type pagedBackend struct {
	storage.Backend
	limit int
}

func (p pagedBackend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	opts.Limit = p.limit
	return p.Backend.ListObjects(ctx, namespace, opts)
}

func TestCryptoRoundTrip(t *testing.T) {
	t.Parallel()

	root := kryptograf.MustGenerateRootKey()
	kg := kryptograf.New(root)
	recordCtx := []byte("lra-records")
	mat, err := kg.MintDEK(recordCtx)
	if err != nil {
		t.Fatalf("mint dek: %v", err)
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled:          true,
		RootKey:          root,
		RecordDescriptor: mat.Descriptor,
		RecordContext:    recordCtx,
	})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	t.Cleanup(crypto.Close)
	plain := []byte(`{"uid":"0001"}`)
	sealed, err := crypto.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("0001")) {
		t.Fatal("sealed record leaks plaintext")
	}
	opened, err := crypto.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
	if crypto.ContentType() != storage.ContentTypeJSONEncrypted {
		t.Fatalf("unexpected content type %q", crypto.ContentType())
	}
}

func TestNilCryptoPassesThrough(t *testing.T) {
	t.Parallel()

	crypto, err := storage.NewCrypto(storage.CryptoConfig{})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	if crypto.Enabled() {
		t.Fatal("expected disabled crypto")
	}
	data := []byte("plain")
	sealed, err := crypto.Seal(data)
	if err != nil || !bytes.Equal(sealed, data) {
		t.Fatalf("expected passthrough, got %q %v", sealed, err)
	}
	if crypto.ContentType() != storage.ContentTypeJSON {
		t.Fatalf("unexpected content type %q", crypto.ContentType())
	}
}
