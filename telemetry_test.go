package lra

import (
	"context"
	"io"
	"net/http"
	"testing"

	"pkt.systems/pslog"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpc://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"grpcs://collector:443", otlpTarget{protocol: "grpc", endpoint: "collector:443"}},
		{"http://collector", otlpTarget{protocol: "http", endpoint: "collector:4318", insecure: true}},
		{"https://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, raw := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := startTelemetry(context.Background(), telemetryOptions{}, nil)
	if err != nil {
		t.Fatalf("startTelemetry: %v", err)
	}
	if tel != nil {
		t.Fatal("expected nil telemetry when nothing is configured")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestStartTelemetryProfilingNeedsMetrics(t *testing.T) {
	if _, err := startTelemetry(context.Background(), telemetryOptions{runtimeMetrics: true}, nil); err == nil {
		t.Fatal("expected error without metrics listener")
	}
}

func TestServerExposesMetrics(t *testing.T) {
	srv, err := NewServer(Config{Store: "mem://", MetricsListen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Shutdown(context.Background())
	if srv.telemetry == nil || len(srv.telemetry.closers) == 0 {
		t.Fatal("expected metrics telemetry to be running")
	}
}

func TestServeSide(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	stop, err := serveSide("test", "127.0.0.1:0", mux, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("serveSide: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
