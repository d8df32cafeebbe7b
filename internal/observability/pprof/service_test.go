package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	"deliveryd/pkg/logx"
)

func get(t *testing.T, url, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c := &http.Client{Timeout: 2 * time.Second}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestReconfigureEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekret", MutexProfileFraction: 7})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d", got)
	}

	if code := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", code)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", "sekret"); code != http.StatusOK {
		t.Fatalf("with token: status %d", code)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("listener still bound after disable")
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatal("public bind without token must be refused")
	}
}

func TestMountPoint(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":              "/debug",
		"/debug/pprof/": "/debug",
		"ops":           "/ops",
		"/ops/pprof":    "/ops",
	}
	for in, want := range cases {
		if got := mountPoint(in); got != want {
			t.Fatalf("mountPoint(%q) = %q, want %q", in, got, want)
		}
	}
}
