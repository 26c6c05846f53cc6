package debughttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	logx "anidbsync/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("debug server did not start")
	return ""
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServesStatusAndHealth(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	healthy.Store(true)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"},
		func(context.Context) (any, error) { return map[string]int{"pending": 3}, nil },
		healthy.Load,
		logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	base := "http://" + waitAddr(t, s)

	if code, _ := get(t, base+"/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", code)
	}
	code, body := get(t, base+"/status", "s3cret")
	if code != http.StatusOK {
		t.Fatalf("status code %d: %s", code, body)
	}
	var got map[string]int
	if err := json.Unmarshal([]byte(body), &got); err != nil || got["pending"] != 3 {
		t.Fatalf("status body %q: %v", body, err)
	}
	if code, _ := get(t, base+"/healthz?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("healthz %d", code)
	}
	healthy.Store(false)
	if code, _ := get(t, base+"/healthz?token=s3cret", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz %d", code)
	}
	if code, _ := get(t, base+"/debug/pprof/", "s3cret"); code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", code)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(50 * time.Millisecond)
	if a := s.Addr(); a != "" {
		t.Fatalf("listening on %s without token", a)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":6061":          false,
		"0.0.0.0:1":      false,
		"10.0.0.2:1":     false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
