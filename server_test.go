package lra

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/lra/internal/storage/memory"
)

type testParticipant struct {
	mu    sync.Mutex
	calls []string
	srv   *httptest.Server
}

func newTestParticipant(t *testing.T) *testParticipant {
	t.Helper()
	p := &testParticipant{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.calls = append(p.calls, r.Method+" "+r.URL.Path)
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *testParticipant) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatal("listener address not set")
	}
	return srv, "http://" + addr.String()
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(raw)
}

func TestServerLifecycleOverHTTP(t *testing.T) {
	p := newTestParticipant(t)
	srv, base := startTestServer(t, Config{Store: "mem://"}, WithBackend(memory.New()))

	resp, id := doRequest(t, http.MethodPost, base+DefaultBasePath+"/start?ClientID=order-42", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %q", resp.StatusCode, id)
	}
	if !strings.HasPrefix(id, base+DefaultBasePath+"/") {
		t.Fatalf("id %q not minted under %s", id, base+DefaultBasePath)
	}
	if resp.Header.Get("Location") != id {
		t.Fatalf("location header %q, want %q", resp.Header.Get("Location"), id)
	}
	uid := strings.TrimPrefix(id, base+DefaultBasePath+"/")

	resp, rid := doRequest(t, http.MethodPut, base+DefaultBasePath+"/"+uid, p.srv.URL)
	if resp.StatusCode != http.StatusOK || rid == "" {
		t.Fatalf("join: status %d body %q", resp.StatusCode, rid)
	}

	resp, status := doRequest(t, http.MethodGet, base+DefaultBasePath+"/"+uid+"/status", "")
	if resp.StatusCode != http.StatusOK || status != "Active" {
		t.Fatalf("status: %d %q", resp.StatusCode, status)
	}
	if got := len(srv.Coordinator().ListAll("")); got != 1 {
		t.Fatalf("expected one action, got %d", got)
	}

	resp, status = doRequest(t, http.MethodPut, base+DefaultBasePath+"/"+uid+"/close", "")
	if resp.StatusCode != http.StatusOK || status != "Closed" {
		t.Fatalf("close: %d %q", resp.StatusCode, status)
	}
	calls := p.seen()
	if len(calls) != 1 || calls[0] != "PUT /complete" {
		t.Fatalf("unexpected participant calls %v", calls)
	}

	resp, _ = doRequest(t, http.MethodPut, base+DefaultBasePath+"/"+uid+"/close", "")
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("second close: expected 412, got %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, http.MethodGet, base+DefaultBasePath+"/"+"0190aaaa-0000-7000-8000-000000000000/status", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", resp.StatusCode)
	}
}

func TestServerCustomBasePath(t *testing.T) {
	_, base := startTestServer(t, Config{Store: "mem://", BasePath: "/saga/"})
	resp, body := doRequest(t, http.MethodPost, base+"/saga/start", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %q", resp.StatusCode, body)
	}
	if !strings.HasPrefix(body, base+"/saga/") {
		t.Fatalf("unexpected id %q", body)
	}
	resp, _ = doRequest(t, http.MethodPost, base+DefaultBasePath+"/start", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("default path should not be mounted, got %d", resp.StatusCode)
	}
}

func TestServerConfiguredBaseURL(t *testing.T) {
	_, base := startTestServer(t, Config{Store: "mem://", BaseURL: "https://lra.example.com/lra-coordinator/"})
	resp, id := doRequest(t, http.MethodPost, base+DefaultBasePath+"/start", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	if !strings.HasPrefix(id, "https://lra.example.com/lra-coordinator/") {
		t.Fatalf("id %q not minted under configured base", id)
	}
}

func TestServerSetRecoveryInterval(t *testing.T) {
	srv, _ := startTestServer(t, Config{Store: "mem://", RecoveryInterval: time.Hour})
	if got := srv.engine.Interval(); got != time.Hour {
		t.Fatalf("expected configured interval, got %s", got)
	}
	srv.SetRecoveryInterval(2 * time.Second)
	if got := srv.engine.Interval(); got != 2*time.Second {
		t.Fatalf("interval not updated, got %s", got)
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	srv, err := NewServer(Config{Store: "mem://", Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return after shutdown")
	}
}

func TestStartServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := StartServer(ctx, Config{Store: "mem://", Listen: ln.Addr().String()}); err == nil {
		t.Fatal("expected error when the address is taken")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{BaseURL: "not-a-url"}); err == nil {
		t.Fatal("expected error for relative base url")
	}
	if _, err := NewServer(Config{Store: "ftp://nowhere"}); err == nil {
		t.Fatal("expected error for unsupported store")
	}
}

func TestServerHandlerWithHTTPTest(t *testing.T) {
	srv, err := NewServer(Config{Store: "mem://"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	if err := srv.Coordinator().Start(context.Background()); err != nil {
		t.Fatalf("coordinator start: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	resp, body := doRequest(t, http.MethodGet, ts.URL+DefaultBasePath, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d body %q", resp.StatusCode, body)
	}
	if strings.TrimSpace(body) != "[]" {
		t.Fatalf("expected empty list, got %q", body)
	}
}
