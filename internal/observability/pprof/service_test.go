package pprof

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		if time.Now().After(deadline) {
			t.Fatal("server never bound an address")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func TestServeAndStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitForAddr(t, s)
	resp := get(t, "http://"+addr+"/healthz")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp = get(t, "http://"+addr+"/debug/pprof/")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index status = %d", resp.StatusCode)
	}

	s.Stop(context.Background())
	if got := s.Addr(); got != "" {
		t.Fatalf("addr after stop = %q, want empty", got)
	}
}

func TestTokenGuardsEndpoints(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitForAddr(t, s)

	resp := get(t, "http://"+addr+"/healthz")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", resp.StatusCode)
	}
	resp = get(t, "http://"+addr+"/healthz?token=sekrit")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesInsecureNonLoopbackBind(t *testing.T) {
	if isLoopbackAddr("0.0.0.0:0") {
		t.Fatal("0.0.0.0 treated as loopback")
	}
	if !isLoopbackAddr("127.0.0.1:6060") || !isLoopbackAddr("localhost:6060") {
		t.Fatal("loopback addr not recognized")
	}
}
