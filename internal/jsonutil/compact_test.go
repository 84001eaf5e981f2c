package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func compactReference(input string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(input)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestCompactWriterBasic(t *testing.T) {
	cases := []string{
		` { "compensator" : "http://p/c" , "data" : [ 1 , 2 ] } `,
		"\n\t{\"link\": \"<http://p/c>; rel=\\\"compensate\\\"\"}",
		`{"empty": [   ] , "obj" : {   }}`,
		`{"already":"compact"}`,
		` [ 0 , -1 , 3.1415 , 10e-3 ] `,
	}
	for _, tc := range cases {
		var out bytes.Buffer
		if err := CompactWriter(&out, strings.NewReader(tc), 0); err != nil {
			t.Fatalf("compact %q: %v", tc, err)
		}
		want, err := compactReference(tc)
		if err != nil {
			t.Fatalf("reference failed: %v", err)
		}
		if out.String() != want {
			t.Fatalf("unexpected output\n got: %q\nwant:%q", out.String(), want)
		}
	}
}

func TestCompactWriterErrors(t *testing.T) {
	tests := []string{
		`{`,
		`{"a":}`,
		`{"a"  "b"}`,
		`{"a":00}`,
		`0 1`,
		`nope`,
	}
	for _, tc := range tests {
		if err := CompactWriter(io.Discard, strings.NewReader(tc), 0); err == nil {
			t.Fatalf("expected error for input %q", tc)
		}
	}
}

func TestCompactWriterMaxBytes(t *testing.T) {
	input := `{"foo":` + strings.Repeat(" ", 10) + `"bar"}`
	err := CompactWriter(io.Discard, strings.NewReader(input), 5)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err := CompactWriter(io.Discard, strings.NewReader(input), int64(len(input))); err != nil {
		t.Fatalf("limit equal to size: %v", err)
	}
}

func TestDecode(t *testing.T) {
	var v struct {
		Compensator string          `json:"compensator"`
		Data        json.RawMessage `json:"data"`
	}
	raw, err := Decode(nil, strings.NewReader(`{ "compensator": "http://p", "data": { "order": 42 } }`), 0, &v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != `{"compensator":"http://p","data":{"order":42}}` {
		t.Fatalf("unexpected compact form %s", raw)
	}
	if v.Compensator != "http://p" || string(v.Data) != `{"order":42}` {
		t.Fatalf("unexpected value %+v", v)
	}
	if _, err := Decode(nil, strings.NewReader(`[1]`), 0, &v); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for mismatched type, got %v", err)
	}
}

func FuzzCompactWriter(f *testing.F) {
	for _, seed := range []string{
		`{ "foo": [1, 2, 3], "bar": {"baz": true} }`,
		`"string with \"quotes\""`,
		`[null, false, true, 0, 1e10, -3.14]`,
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, input string) {
		var out bytes.Buffer
		err := CompactWriter(&out, strings.NewReader(input), 0)
		ref, refErr := compactReference(input)
		if refErr != nil {
			if err == nil {
				t.Fatalf("expected error but got none for %q", input)
			}
			return
		}
		if err != nil {
			t.Fatalf("compact writer unexpected error: %v", err)
		}
		if out.String() != ref {
			t.Fatalf("mismatch for %q\n got: %q\nwant:%q", input, out.String(), ref)
		}
	})
}
