package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// StatusFunc extracts the HTTP status carried by a backend SDK error.
type StatusFunc func(error) (int, bool)

// Classify prefixes err with msg and marks it transient when a retry may
// succeed: deadlines, dropped connections, network timeouts and 5xx, 429 or
// 408 responses.
func Classify(err error, msg string, status StatusFunc) error {
	if err == nil {
		return nil
	}
	retryable := Retryable(err, status)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return NewTransientError(err)
	}
	return err
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error, status StatusFunc) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || connectionLost(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	if status == nil {
		return false
	}
	code, ok := status(err)
	if !ok {
		return false
	}
	return code >= http.StatusInternalServerError ||
		code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}

func connectionLost(err error) bool {
	for _, target := range []error{
		net.ErrClosed, io.ErrUnexpectedEOF, io.EOF,
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
