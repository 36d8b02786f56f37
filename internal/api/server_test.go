package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/rpc"
	"github.com/tos-network/block-unlocker/internal/storage"
	"github.com/tos-network/block-unlocker/internal/unlocker"
)

func setupTestServer(t *testing.T) (*Server, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	redis, err := storage.NewRedisClient(mr.Addr(), "", 0, "xmr")
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	t.Cleanup(func() { redis.Close() })

	status := func() unlocker.Snapshot {
		return unlocker.Snapshot{
			Coin:    "xmr",
			Running: true,
			Passes:  4,
			LastRun: time.Unix(1700000000, 0).UTC(),
		}
	}

	server := NewServer(&config.APIConfig{Enabled: true, Bind: "127.0.0.1:0"}, redis, status)
	return server, mr
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestNewServer(t *testing.T) {
	server, _ := setupTestServer(t)

	if server.cfg == nil {
		t.Error("Server.cfg should not be nil")
	}

	if server.store == nil {
		t.Error("Server.store should not be nil")
	}

	if server.router == nil {
		t.Error("Server.router should not be nil")
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, "GET", "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &response)
	if response["status"] != "ok" {
		t.Errorf("Response status = %v, want ok", response["status"])
	}
}

func TestHealthEndpointDaemon(t *testing.T) {
	tests := []struct {
		name   string
		health rpc.Health
		code   int
		status string
	}{
		{"one healthy", rpc.Health{Active: "a", Upstreams: 2, Healthy: 1}, 200, "ok"},
		{"all down", rpc.Health{Active: "a", Upstreams: 2, Healthy: 0}, 503, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := setupTestServer(t)
			health := tt.health
			server.SetHealthFunc(func() rpc.Health { return health })

			w := serve(server, "GET", "/health")

			if w.Code != tt.code {
				t.Errorf("Status = %d, want %d", w.Code, tt.code)
			}

			var response struct {
				Status string     `json:"status"`
				Daemon rpc.Health `json:"daemon"`
			}
			json.Unmarshal(w.Body.Bytes(), &response)
			if response.Status != tt.status {
				t.Errorf("Response status = %s, want %s", response.Status, tt.status)
			}
			if response.Daemon != health {
				t.Errorf("Response daemon = %+v, want %+v", response.Daemon, health)
			}
		})
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, "OPTIONS", "/api/blocks")

	if w.Code != 204 {
		t.Errorf("Status = %d, want 204", w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS origin header not set")
	}
}

func TestHandleUnlocker(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, "GET", "/api/unlocker")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var snap unlocker.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if snap.Coin != "xmr" || !snap.Running || snap.Passes != 4 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHandleUnlockerNotRunning(t *testing.T) {
	server, _ := setupTestServer(t)
	server.statusFunc = nil

	if w := serve(server, "GET", "/api/unlocker"); w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleBlocks(t *testing.T) {
	server, mr := setupTestServer(t)

	mr.ZAdd("xmr:blocks:matured", 5, "abc:1700000000:1000:100:0")
	mr.ZAdd("xmr:blocks:matured", 7, "def:1700000100:1000:50:1")

	w := serve(server, "GET", "/api/blocks")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response struct {
		Blocks []BlockResponse `json:"blocks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(response.Blocks) != 2 {
		t.Fatalf("blocks len = %d, want 2", len(response.Blocks))
	}

	// Newest first
	if response.Blocks[0].Height != 7 || response.Blocks[0].Status != "orphaned" {
		t.Errorf("blocks[0] = %+v, want height 7 orphaned", response.Blocks[0])
	}
	if response.Blocks[1].Height != 5 || response.Blocks[1].Status != "matured" {
		t.Errorf("blocks[1] = %+v, want height 5 matured", response.Blocks[1])
	}
	if response.Blocks[1].Shares != 100 || response.Blocks[1].Timestamp != 1700000000 {
		t.Errorf("blocks[1] = %+v", response.Blocks[1])
	}
}

func TestHandleBlocksLimit(t *testing.T) {
	server, mr := setupTestServer(t)

	mr.ZAdd("xmr:blocks:matured", 5, "abc:1700000000:1000:100:0")
	mr.ZAdd("xmr:blocks:matured", 7, "def:1700000100:1000:50:1")

	w := serve(server, "GET", "/api/blocks?limit=1")

	var response struct {
		Blocks []BlockResponse `json:"blocks"`
	}
	json.Unmarshal(w.Body.Bytes(), &response)

	if len(response.Blocks) != 1 {
		t.Errorf("blocks len = %d, want 1", len(response.Blocks))
	}

	for _, bad := range []string{"0", "-3", "abc"} {
		if w := serve(server, "GET", "/api/blocks?limit="+bad); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want %d", bad, w.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleBlocksStoreFailure(t *testing.T) {
	server, mr := setupTestServer(t)
	mr.SetError("server down")

	if w := serve(server, "GET", "/api/blocks"); w.Code != http.StatusInternalServerError {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestHandleWorker(t *testing.T) {
	server, mr := setupTestServer(t)

	mr.HSet("xmr:workers:w1", "balance", "594")
	mr.HSet("xmr:shares:roundCurrent", "w1", "12")

	w := serve(server, "GET", "/api/workers/w1")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var response WorkerResponse
	json.Unmarshal(w.Body.Bytes(), &response)

	want := WorkerResponse{ID: "w1", Balance: 594, Shares: 12}
	if response != want {
		t.Errorf("response = %+v, want %+v", response, want)
	}
}

func TestHandleWorkerUnknown(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, "GET", "/api/workers/nobody")

	var response WorkerResponse
	json.Unmarshal(w.Body.Bytes(), &response)

	if w.Code != http.StatusOK || response.Balance != 0 || response.Shares != 0 {
		t.Errorf("unknown worker = %d %+v, want 200 with zero balance", w.Code, response)
	}
}

func TestHandleRound(t *testing.T) {
	server, mr := setupTestServer(t)

	mr.HSet("xmr:shares:roundCurrent", "w1", "10", "w2", "5")

	w := serve(server, "GET", "/api/round")

	var response RoundResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.TotalShares != 15 {
		t.Errorf("TotalShares = %d, want 15", response.TotalShares)
	}
	if response.Workers["w2"] != 5 {
		t.Errorf("Workers[w2] = %d, want 5", response.Workers["w2"])
	}
}

func TestHandleUpstreams(t *testing.T) {
	server, _ := setupTestServer(t)

	w := serve(server, "GET", "/api/upstreams")
	if !strings.Contains(w.Body.String(), `"upstreams":[]`) {
		t.Errorf("body = %s, want empty upstream list", w.Body.String())
	}

	server.SetUpstreamStateFunc(func() []rpc.UpstreamState {
		return []rpc.UpstreamState{{Name: "primary", URL: "http://127.0.0.1:18081", Active: true, Healthy: true, Weight: 10}}
	})
	server.SetHealthFunc(func() rpc.Health { return rpc.Health{Active: "primary", Upstreams: 1, Healthy: 1} })

	w = serve(server, "GET", "/api/upstreams")

	var response struct {
		Active    string              `json:"active"`
		Upstreams []rpc.UpstreamState `json:"upstreams"`
	}
	json.Unmarshal(w.Body.Bytes(), &response)

	if response.Active != "primary" {
		t.Errorf("active = %s, want primary", response.Active)
	}
	if len(response.Upstreams) != 1 || !response.Upstreams[0].Active {
		t.Errorf("upstreams = %+v", response.Upstreams)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_passes_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)
	server.SetGatherer(reg)

	w := serve(server, "GET", "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	if !strings.Contains(w.Body.String(), "test_passes_total 3") {
		t.Errorf("metrics body missing counter:\n%s", w.Body.String())
	}
}

func TestServerStartStop(t *testing.T) {
	server, _ := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if server.server == nil {
		t.Error("Server.server should be set after Start()")
	}

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServerStopNotStarted(t *testing.T) {
	server, _ := setupTestServer(t)

	if err := server.Stop(); err != nil {
		t.Errorf("Stop() on unstarted server error = %v", err)
	}
}
