// Package jsonutil compacts bounded JSON request bodies.
package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pkt.systems/jpact"
)

// ErrTooLarge reports a payload larger than the permitted size.
var ErrTooLarge = errors.New("json: payload too large")

// ErrInvalid reports a payload that is not a single JSON value.
var ErrInvalid = errors.New("json: invalid input")

// CompactWriter copies the JSON value read from r to w without insignificant
// whitespace. maxBytes limits the number of bytes read (<=0 disables the
// limit). Payloads that are already compact are copied through unchanged.
func CompactWriter(w io.Writer, r io.Reader, maxBytes int64) error {
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	if !bytes.ContainsAny(raw, " \t\r\n") {
		if !json.Valid(raw) {
			return ErrInvalid
		}
		_, err = w.Write(raw)
		return err
	}
	if err := jpact.CompactWriter(w, bytes.NewReader(raw), maxBytes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Decode compacts the body read from r, unmarshals it into v and returns the
// compact form.
func Decode(compact func(io.Writer, io.Reader, int64) error, r io.Reader, maxBytes int64, v any) ([]byte, error) {
	if compact == nil {
		compact = CompactWriter
	}
	var buf bytes.Buffer
	if err := compact(&buf, r, maxBytes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return buf.Bytes(), nil
}
