package rpc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/util"
)

const (
	defaultMaxFailures       = 3
	defaultRecoveryThreshold = 2
	defaultCheckInterval     = 5 * time.Second
	defaultCheckTimeout      = 3 * time.Second
)

// ErrNoUpstreams is returned when a call is made without any daemon configured
var ErrNoUpstreams = errors.New("no daemon upstreams configured")

// UpstreamState represents the health state of an upstream daemon
type UpstreamState struct {
	Name         string        `json:"name"`
	URL          string        `json:"url"`
	Active       bool          `json:"active"`
	Healthy      bool          `json:"healthy"`
	LastCheck    time.Time     `json:"last_check"`
	SuccessCount int32         `json:"success_count"`
	FailCount    int32         `json:"fail_count"`
	ResponseTime time.Duration `json:"response_time"`
	Height       uint64        `json:"height"`
	Weight       int           `json:"weight"`
}

// Health summarizes daemon availability
type Health struct {
	Active    string `json:"active"`
	Upstreams int    `json:"upstreams"`
	Healthy   int    `json:"healthy"`
}

// Available reports whether at least one daemon can serve calls
func (h Health) Available() bool {
	return h.Healthy > 0
}

// answered reports whether err still counts as a reply from the daemon
func answered(err error) bool {
	return err == nil || errors.Is(err, ErrNoBlockHeader)
}

// Upstream is one daemon endpoint and its health record
type Upstream struct {
	client *DaemonClient
	name   string
	weight int

	mu           sync.RWMutex
	healthy      bool
	failCount    int32
	successCount int32
	lastCheck    time.Time
	responseTime time.Duration
	height       uint64
}

func newUpstream(name, url string, timeout time.Duration, weight int) *Upstream {
	if name == "" {
		name = url
	}
	if weight == 0 {
		weight = 1
	}
	return &Upstream{
		client:  NewDaemonClient(url, timeout),
		name:    name,
		weight:  weight,
		healthy: true,
	}
}

func (u *Upstream) isHealthy() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.healthy
}

func (u *Upstream) state() UpstreamState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return UpstreamState{
		Name:         u.name,
		URL:          u.client.URL(),
		Healthy:      u.healthy,
		LastCheck:    u.lastCheck,
		SuccessCount: u.successCount,
		FailCount:    u.failCount,
		ResponseTime: u.responseTime,
		Height:       u.height,
		Weight:       u.weight,
	}
}

// recordCall books the outcome of a regular call. It returns true when
// this failure took the upstream out of rotation.
func (u *Upstream) recordCall(err error, maxFailures int32) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if answered(err) {
		u.successCount++
		u.failCount = 0
		u.healthy = true
		return false
	}

	u.failCount++
	u.successCount = 0
	if u.healthy && u.failCount >= maxFailures {
		u.healthy = false
		util.Warnf("Upstream %s marked unhealthy after %d failed calls: %v", u.name, u.failCount, err)
		return true
	}
	return false
}

// recordCheck books a health check. An unhealthy upstream needs recovery
// consecutive good checks before it is used again.
func (u *Upstream) recordCheck(header *BlockHeader, err error, elapsed time.Duration, maxFailures, recovery int32) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastCheck = time.Now()
	u.responseTime = elapsed

	if err != nil {
		u.failCount++
		u.successCount = 0
		if u.healthy && u.failCount >= maxFailures {
			u.healthy = false
			util.Warnf("Upstream %s marked UNHEALTHY after %d failures: %v", u.name, u.failCount, err)
		}
		return
	}

	u.successCount++
	u.height = header.Height

	switch {
	case u.healthy:
		u.failCount = 0
	case u.successCount >= recovery:
		u.healthy = true
		u.failCount = 0
		util.Infof("Upstream %s recovered and marked HEALTHY (height=%d, response=%v)", u.name, u.height, elapsed)
	}
}

// UpstreamManager spreads daemon calls over weighted upstreams with failover
type UpstreamManager struct {
	upstreams []*Upstream
	cfg       *config.DaemonConfig

	activeIdx int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUpstreamManager builds the upstream list from cfg, highest weight first.
// A bare daemon.url becomes a single upstream named "primary".
func NewUpstreamManager(ctx context.Context, cfg *config.DaemonConfig) *UpstreamManager {
	mgrCtx, cancel := context.WithCancel(ctx)

	mgr := &UpstreamManager{
		cfg:    cfg,
		ctx:    mgrCtx,
		cancel: cancel,
	}

	for _, ucfg := range cfg.Upstreams {
		timeout := ucfg.Timeout
		if timeout == 0 {
			timeout = cfg.Timeout
		}
		mgr.upstreams = append(mgr.upstreams, newUpstream(ucfg.Name, ucfg.URL, timeout, ucfg.Weight))
	}
	if len(mgr.upstreams) == 0 && cfg.URL != "" {
		mgr.upstreams = append(mgr.upstreams, newUpstream("primary", cfg.URL, cfg.Timeout, 1))
	}

	sort.SliceStable(mgr.upstreams, func(i, j int) bool {
		return mgr.upstreams[i].weight > mgr.upstreams[j].weight
	})

	return mgr
}

// Start runs an initial health check and begins the health check loop
func (m *UpstreamManager) Start() {
	if m.UpstreamCount() == 0 {
		util.Warn("No daemon upstreams configured")
		return
	}

	util.Infof("Starting upstream manager with %d daemons", m.UpstreamCount())
	for i, u := range m.upstreams {
		util.Infof("  [%d] %s (weight=%d)", i, u.name, u.weight)
	}

	m.checkAllUpstreams()
	if !m.HasHealthyUpstream() {
		util.Warn("No daemon answered the initial health check")
	}

	m.wg.Add(1)
	go m.healthCheckLoop()
}

// Stop shuts down the upstream manager
func (m *UpstreamManager) Stop() {
	m.cancel()
	m.wg.Wait()
	util.Info("Upstream manager stopped")
}

func (m *UpstreamManager) healthCheckLoop() {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval == 0 {
		interval = defaultCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllUpstreams()
		}
	}
}

func (m *UpstreamManager) checkAllUpstreams() {
	var wg sync.WaitGroup
	for _, u := range m.upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			m.checkUpstream(u)
		}(u)
	}
	wg.Wait()

	m.selectBestUpstream()
}

func (m *UpstreamManager) maxFailures() int32 {
	if m.cfg.MaxFailures == 0 {
		return defaultMaxFailures
	}
	return int32(m.cfg.MaxFailures)
}

func (m *UpstreamManager) recoveryThreshold() int32 {
	if m.cfg.RecoveryThreshold == 0 {
		return defaultRecoveryThreshold
	}
	return int32(m.cfg.RecoveryThreshold)
}

// checkUpstream checks a single daemon with getlastblockheader
func (m *UpstreamManager) checkUpstream(u *Upstream) {
	timeout := m.cfg.HealthCheckTimeout
	if timeout == 0 {
		timeout = defaultCheckTimeout
	}

	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	start := time.Now()
	header, err := u.client.GetLastBlockHeader(ctx)
	u.recordCheck(header, err, time.Since(start), m.maxFailures(), m.recoveryThreshold())
}

// selectBestUpstream prefers the healthy daemon with the highest weight, then height
func (m *UpstreamManager) selectBestUpstream() {
	best := -1
	var bestState UpstreamState

	for i, u := range m.upstreams {
		s := u.state()
		if !s.Healthy {
			continue
		}
		if best < 0 || s.Weight > bestState.Weight || (s.Weight == bestState.Weight && s.Height > bestState.Height) {
			best, bestState = i, s
		}
	}

	if best < 0 {
		util.Warn("No healthy daemon upstreams available!")
		return
	}

	if m.activeIndex() != best {
		m.setActive(best)
		util.Infof("Switched to upstream %s (idx=%d, weight=%d, height=%d)",
			bestState.Name, best, bestState.Weight, bestState.Height)
	}
}

func (m *UpstreamManager) activeIndex() int {
	idx := int(atomic.LoadInt32(&m.activeIdx))
	if idx < 0 || idx >= len(m.upstreams) {
		return 0
	}
	return idx
}

func (m *UpstreamManager) setActive(idx int) {
	atomic.StoreInt32(&m.activeIdx, int32(idx))
}

// GetActiveUpstream returns the name of the active upstream
func (m *UpstreamManager) GetActiveUpstream() string {
	if len(m.upstreams) == 0 {
		return ""
	}
	return m.upstreams[m.activeIndex()].name
}

// GetUpstreamStates returns the state of all upstreams for monitoring
func (m *UpstreamManager) GetUpstreamStates() []UpstreamState {
	active := m.activeIndex()
	states := make([]UpstreamState, len(m.upstreams))
	for i, u := range m.upstreams {
		states[i] = u.state()
		states[i].Active = i == active
	}
	return states
}

// Health returns the daemon availability summary served on /health
func (m *UpstreamManager) Health() Health {
	return Health{
		Active:    m.GetActiveUpstream(),
		Upstreams: m.UpstreamCount(),
		Healthy:   m.HealthyCount(),
	}
}

// HasHealthyUpstream returns true if at least one upstream is healthy
func (m *UpstreamManager) HasHealthyUpstream() bool {
	return m.HealthyCount() > 0
}

// UpstreamCount returns the number of configured upstreams
func (m *UpstreamManager) UpstreamCount() int {
	return len(m.upstreams)
}

// HealthyCount returns the number of healthy upstreams
func (m *UpstreamManager) HealthyCount() int {
	count := 0
	for _, u := range m.upstreams {
		if u.isHealthy() {
			count++
		}
	}
	return count
}

// CallWithFailover runs fn on the active daemon and then on each other
// healthy daemon until one answers. ErrNoBlockHeader is an answer and does
// not trigger failover. The first error is returned when every daemon fails.
func (m *UpstreamManager) CallWithFailover(fn func(*DaemonClient) error) error {
	if len(m.upstreams) == 0 {
		return ErrNoUpstreams
	}

	active := m.activeIndex()
	order := make([]int, 0, len(m.upstreams))
	order = append(order, active)
	for i := range m.upstreams {
		if i != active {
			order = append(order, i)
		}
	}

	var firstErr error
	for _, i := range order {
		u := m.upstreams[i]
		if i != active {
			if !u.isHealthy() {
				continue
			}
			util.Infof("Failover: trying upstream %s", u.name)
		}

		err := fn(u.client)
		if answered(err) {
			u.recordCall(nil, m.maxFailures())
			if i != active {
				m.setActive(i)
				util.Infof("Failover successful: now using %s", u.name)
			}
			return err
		}

		if u.recordCall(err, m.maxFailures()) && i == active {
			m.selectBestUpstream()
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// GetBlockHeaderByHeight queries the active daemon, failing over on errors
func (m *UpstreamManager) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	var header *BlockHeader
	err := m.CallWithFailover(func(c *DaemonClient) error {
		h, err := c.GetBlockHeaderByHeight(ctx, height)
		header = h
		return err
	})
	if err != nil {
		return nil, err
	}
	return header, nil
}
