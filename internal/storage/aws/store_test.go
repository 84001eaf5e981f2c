package aws

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/lra/internal/storage"
)

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "status" }
func (e statusErr) HTTPStatusCode() int { return e.code }

func TestRetryableWithAWSStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, expected: true},
		{name: "503", err: statusErr{503}, expected: true},
		{name: "429", err: statusErr{429}, expected: true},
		{name: "403", err: statusErr{403}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := storage.Retryable(tc.err, httpStatusCode); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, want: storage.ErrNotFound},
		{name: "head 404", err: statusErr{404}, want: storage.ErrNotFound},
		{name: "precondition", err: &smithy.GenericAPIError{Code: "PreconditionFailed"}, want: storage.ErrCASMismatch},
		{name: "conflict", err: statusErr{409}, want: storage.ErrCASMismatch},
	}
	for _, tc := range cases {
		if got := translate(tc.err, "aws: op"); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
	missingBucket := translate(&smithy.GenericAPIError{Code: "NoSuchBucket"}, "aws: put object")
	if errors.Is(missingBucket, storage.ErrNotFound) || !strings.HasPrefix(missingBucket.Error(), "aws: put object: ") {
		t.Fatalf("missing bucket must not read as a missing record: %v", missingBucket)
	}
	if err := translate(statusErr{500}, "aws: put"); !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if err := translate(statusErr{400}, "aws: put"); storage.IsTransient(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
	if translate(nil, "aws: put") != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestObjectKeyHonoursPrefix(t *testing.T) {
	s := &Store{prefix: "coord"}
	if got := s.objectKey("lra", "/actions/x"); got != "coord/lra/actions/x" {
		t.Fatalf("unexpected key %q", got)
	}
	s.prefix = ""
	if got := s.objectKey("lra", "actions/x"); got != "lra/actions/x" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"minio:9000", "https://minio:9000"},
		{"http://localhost:9000", "http://localhost:9000"},
		{" https://s3.example ", "https://s3.example"},
	}
	for _, tc := range cases {
		if got := endpointURL(tc.in, false); got != tc.want {
			t.Fatalf("endpointURL(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
	if got := endpointURL("minio:9000", true); got != "http://minio:9000" {
		t.Fatalf("insecure endpoint %q", got)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Region: "eu-north-1"}); err == nil {
		t.Fatal("expected bucket error")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected region error")
	}
}

func TestNewSelectsServerSideEncryption(t *testing.T) {
	s, err := New(Config{Bucket: "b", Region: "eu-north-1", ServerSideEnc: "aws:kms", KMSKeyID: "key-1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.sse != types.ServerSideEncryptionAwsKms || s.kmsKey != "key-1" {
		t.Fatalf("unexpected sse %q key %q", s.sse, s.kmsKey)
	}
	s, err = New(Config{Bucket: "b", Region: "eu-north-1", ServerSideEnc: "AES256", KMSKeyID: "ignored"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.sse != types.ServerSideEncryptionAes256 || s.kmsKey != "" {
		t.Fatalf("unexpected sse %q key %q", s.sse, s.kmsKey)
	}
}
