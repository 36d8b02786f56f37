package profiling

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tos-network/block-unlocker/internal/config"
)

func TestNewServer(t *testing.T) {
	cfg := &config.ProfilingConfig{
		Enabled: true,
		Bind:    "127.0.0.1:6060",
	}

	server := NewServer(cfg)

	if server.cfg != cfg {
		t.Error("Server.cfg not set correctly")
	}

	if server.server != nil {
		t.Error("Server.server should be nil before Start()")
	}

	if server.Addr() != "" {
		t.Errorf("Addr() = %q before Start(), want empty", server.Addr())
	}
}

func TestServerStartDisabled(t *testing.T) {
	server := NewServer(&config.ProfilingConfig{Enabled: false, Bind: "127.0.0.1:6060"})

	if err := server.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}

	if server.server != nil {
		t.Error("Server.server should be nil when disabled")
	}

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() returned error: %v", err)
	}
}

func TestServerServesPprof(t *testing.T) {
	server := NewServer(&config.ProfilingConfig{Enabled: true, Bind: "127.0.0.1:0"})

	if err := server.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	defer server.Stop()

	resp, err := http.Get("http://" + server.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET /debug/pprof/ error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestServerStartBindError(t *testing.T) {
	first := NewServer(&config.ProfilingConfig{Enabled: true, Bind: "127.0.0.1:0"})
	if err := first.Start(); err != nil {
		t.Fatalf("Start() returned error: %v", err)
	}
	defer first.Stop()

	second := NewServer(&config.ProfilingConfig{Enabled: true, Bind: first.Addr()})
	if err := second.Start(); err == nil {
		second.Stop()
		t.Error("Start() on a bound address should fail")
	}
}

func TestHandlerEndpoints(t *testing.T) {
	h := handler()

	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine", "/debug/pprof/heap", "/debug/pprof/cmdline"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))

		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}
}
