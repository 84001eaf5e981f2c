package azure

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/lra/internal/storage"
)

func TestAppendSASToken(t *testing.T) {
	got, err := appendSASToken("https://acct.blob.core.windows.net", "?sv=1&sig=x")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net?sv=1&sig=x" {
		t.Fatalf("unexpected url %q", got)
	}
	got, err = appendSASToken("https://acct.blob.core.windows.net/?comp=list", "sv=1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != "https://acct.blob.core.windows.net/?comp=list&sv=1" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestBlobNamesRoundTrip(t *testing.T) {
	s := &Store{prefix: "coord"}
	name, err := s.blobName("lra", "recovery/http:%2F%2Fhost%2Flra/1")
	if err != nil {
		t.Fatalf("blob name: %v", err)
	}
	if !strings.HasPrefix(name, "coord/lra/") {
		t.Fatalf("unexpected blob name %q", name)
	}
	key, ok := keyOf(name, s.root("lra"))
	if !ok || key != "recovery/http:%2F%2Fhost%2Flra/1" {
		t.Fatalf("round trip failed: %q %v (blob %q)", key, ok, name)
	}
	if _, ok := keyOf("other/x", s.root("lra")); ok {
		t.Fatal("expected foreign blob to be skipped")
	}
	if _, err := s.blobName("lra", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "precondition", err: &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}, want: storage.ErrCASMismatch},
		{name: "blob exists", err: &azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "BlobAlreadyExists"}, want: storage.ErrCASMismatch},
		{name: "missing blob", err: &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "BlobNotFound"}, want: storage.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := translate(tc.err, "azure: x"); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
	if translate(nil, "azure: x") != nil {
		t.Fatal("nil error should stay nil")
	}
	if err := translate(&azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ContainerNotFound"}, "azure: x"); errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing container must not read as a missing record: %v", err)
	}
	if err := translate(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: x"); !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if err := translate(errors.New("boom"), "azure: x"); storage.IsTransient(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
	if err := translate(context.DeadlineExceeded, "azure: x"); !storage.IsTransient(err) {
		t.Fatalf("expected deadline to be transient, got %v", err)
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
}

func TestDeref(t *testing.T) {
	if got := deref[int64](nil); got != 0 {
		t.Fatalf("nil pointer: got %d", got)
	}
	size := int64(42)
	if got := deref(&size); got != 42 {
		t.Fatalf("got %d", got)
	}
	etag := azcore.ETag("0x8D")
	if etagString(&etag) != "0x8D" || etagString(nil) != "" {
		t.Fatal("unexpected etag rendering")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Container: "c"}); err == nil {
		t.Fatal("expected account error")
	}
	if _, err := New(Config{Account: "a"}); err == nil {
		t.Fatal("expected container error")
	}
	if _, err := New(Config{Account: "a", Container: "c"}); err == nil {
		t.Fatal("expected credential error")
	}
}
