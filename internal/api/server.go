// Package api provides the REST API server.
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/rpc"
	"github.com/tos-network/block-unlocker/internal/storage"
	"github.com/tos-network/block-unlocker/internal/unlocker"
	"github.com/tos-network/block-unlocker/internal/util"
)

const (
	defaultBlocksLimit = 50
	maxBlocksLimit     = 500
)

// Store is the read side of the settlement store
type Store interface {
	GetMaturedBlocks(ctx context.Context, limit int64) ([]*storage.MaturedRecord, error)
	GetBalance(ctx context.Context, payee string) (int64, error)
	GetCurrentRoundShares(ctx context.Context) (storage.RoundShares, error)
}

// StatusFunc is a callback to get the unlocker snapshot
type StatusFunc func() unlocker.Snapshot

// UpstreamStateFunc is a callback to get upstream states
type UpstreamStateFunc func() []rpc.UpstreamState

// HealthFunc is a callback to get the daemon availability summary
type HealthFunc func() rpc.Health

// Server is the API server
type Server struct {
	cfg    *config.APIConfig
	store  Store
	router *gin.Engine
	server *http.Server

	statusFunc        StatusFunc
	upstreamStateFunc UpstreamStateFunc
	healthFunc        HealthFunc
	gatherer          prometheus.Gatherer
}

// BlockResponse is a block in the blocks list
type BlockResponse struct {
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	Timestamp  int64  `json:"timestamp"`
	Difficulty uint64 `json:"difficulty"`
	Shares     uint64 `json:"shares"`
	Status     string `json:"status"`
}

// WorkerResponse is the /api/workers/:id response
type WorkerResponse struct {
	ID      string `json:"id"`
	Balance int64  `json:"balance"`
	Shares  uint64 `json:"round_shares"`
}

// RoundResponse is the /api/round response
type RoundResponse struct {
	TotalShares uint64              `json:"total_shares"`
	Workers     storage.RoundShares `json:"workers"`
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, store Store, status StatusFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		store:      store,
		router:     router,
		statusFunc: status,
		gatherer:   prometheus.DefaultGatherer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	// CORS middleware
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := s.router.Group("/api")
	{
		api.GET("/unlocker", s.handleUnlocker)
		api.GET("/blocks", s.handleBlocks)
		api.GET("/workers/:id", s.handleWorker)
		api.GET("/round", s.handleRound)
		api.GET("/upstreams", s.handleUpstreams)
	}

	s.router.GET("/metrics", func(c *gin.Context) {
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
	})

	s.router.GET("/health", s.handleHealth)
}

// Start begins the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetUpstreamStateFunc sets the callback for getting upstream states
func (s *Server) SetUpstreamStateFunc(fn UpstreamStateFunc) {
	s.upstreamStateFunc = fn
}

// SetHealthFunc sets the callback for daemon availability
func (s *Server) SetHealthFunc(fn HealthFunc) {
	s.healthFunc = fn
}

// SetGatherer sets the registry served on /metrics
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// handleHealth reports ok unless every daemon upstream is down
func (s *Server) handleHealth(c *gin.Context) {
	if s.healthFunc == nil {
		c.JSON(200, gin.H{"status": "ok"})
		return
	}

	h := s.healthFunc()
	if !h.Available() {
		c.JSON(503, gin.H{"status": "degraded", "daemon": h})
		return
	}

	c.JSON(200, gin.H{"status": "ok", "daemon": h})
}

// handleUnlocker returns the state of the last reconciliation pass
func (s *Server) handleUnlocker(c *gin.Context) {
	if s.statusFunc == nil {
		c.JSON(404, gin.H{"error": "Unlocker not running"})
		return
	}

	c.JSON(200, s.statusFunc())
}

// handleBlocks returns recently archived blocks
func (s *Server) handleBlocks(c *gin.Context) {
	limit := defaultBlocksLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(400, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}
	if limit > maxBlocksLimit {
		limit = maxBlocksLimit
	}

	records, err := s.store.GetMaturedBlocks(c.Request.Context(), int64(limit))
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get blocks"})
		return
	}

	response := make([]BlockResponse, 0, len(records))
	for _, r := range records {
		status := unlocker.StatusMatured
		if r.Orphaned {
			status = unlocker.StatusOrphaned
		}

		response = append(response, BlockResponse{
			Height:     r.Height,
			Hash:       r.Hash,
			Timestamp:  r.SubmitTime,
			Difficulty: r.Difficulty,
			Shares:     r.Shares,
			Status:     status.String(),
		})
	}

	c.JSON(200, gin.H{"blocks": response})
}

// handleWorker returns a payee's balance and current round shares
func (s *Server) handleWorker(c *gin.Context) {
	id := c.Param("id")

	balance, err := s.store.GetBalance(c.Request.Context(), id)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get balance"})
		return
	}

	round, err := s.store.GetCurrentRoundShares(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get round shares"})
		return
	}

	c.JSON(200, WorkerResponse{
		ID:      id,
		Balance: balance,
		Shares:  round[id],
	})
}

// handleRound returns the shares of the round in progress
func (s *Server) handleRound(c *gin.Context) {
	round, err := s.store.GetCurrentRoundShares(c.Request.Context())
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to get round shares"})
		return
	}

	if round == nil {
		round = storage.RoundShares{}
	}

	c.JSON(200, RoundResponse{
		TotalShares: round.Total(),
		Workers:     round,
	})
}

// handleUpstreams returns daemon upstream status
func (s *Server) handleUpstreams(c *gin.Context) {
	response := gin.H{"upstreams": []rpc.UpstreamState{}}
	if s.upstreamStateFunc != nil {
		response["upstreams"] = s.upstreamStateFunc()
	}
	if s.healthFunc != nil {
		response["active"] = s.healthFunc().Active
	}

	c.JSON(200, response)
}
