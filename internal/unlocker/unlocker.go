// Package unlocker reconciles candidate blocks against the chain and
// credits matured rewards to worker balances.
package unlocker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/tos-network/block-unlocker/internal/config"
	"github.com/tos-network/block-unlocker/internal/storage"
	"github.com/tos-network/block-unlocker/internal/util"
	"go.uber.org/zap"
)

// Store is the settlement state the unlocker reads and mutates
type Store interface {
	GetCandidates(ctx context.Context) ([]*storage.Candidate, int, error)
	GetRoundShares(ctx context.Context, height uint64) (storage.RoundShares, error)
	ArchiveBlock(ctx context.Context, c *storage.Candidate, orphaned bool) error
	CarryForwardShares(ctx context.Context, shares storage.RoundShares) error
	CreditBalance(ctx context.Context, payee string, amount int64) error
}

// Observer is notified after every pass, successful or not
type Observer interface {
	ObservePass(result *PassResult, err error, elapsed time.Duration)
}

// Config holds everything a BlockUnlocker needs. It is not modified after New.
type Config struct {
	Coin      string
	Depth     uint64
	PoolFee   float64
	Interval  time.Duration
	Donations []config.DonationConfig

	Store     Store
	Daemon    HeaderSource
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Observers []Observer
}

// PassResult describes what one pass did
type PassResult struct {
	StartedAt   time.Time `json:"started_at"`
	Candidates  int       `json:"candidates"`
	Malformed   int       `json:"malformed"`
	Pending     int       `json:"pending"`
	Orphaned    []*Block  `json:"orphaned"`
	Matured     []*Block  `json:"matured"`
	Payments    Ledger    `json:"payments"`
	WorkersPaid int       `json:"workers_paid"`
}

// Snapshot is the unlocker state exposed to the API
type Snapshot struct {
	Coin         string        `json:"coin"`
	Running      bool          `json:"running"`
	Passes       uint64        `json:"passes"`
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	LastResult   *PassResult   `json:"last_result,omitempty"`
	NextRun      time.Time     `json:"next_run"`
}

// BlockUnlocker runs reconciliation passes on a timer
type BlockUnlocker struct {
	cfg        Config
	classifier *Classifier
	allocator  *Allocator
	log        *zap.SugaredLogger

	// Serializes RunPass
	passMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// New creates a block unlocker
func New(cfg Config) (*BlockUnlocker, error) {
	if cfg.Store == nil {
		return nil, errors.New("unlocker: store is required")
	}
	if cfg.Daemon == nil {
		return nil, errors.New("unlocker: daemon is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("unlocker: interval must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = util.Named("unlocker")
	}

	return &BlockUnlocker{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Daemon, cfg.Depth, cfg.Logger),
		allocator:  NewAllocator(cfg.PoolFee, cfg.Donations, cfg.Logger),
		log:        cfg.Logger,
		snapshot:   Snapshot{Coin: cfg.Coin},
		quit:       make(chan struct{}),
	}, nil
}

// Start runs the first pass immediately and then one pass per interval
func (u *BlockUnlocker) Start() {
	u.startOnce.Do(func() {
		u.log.Infof("Starting block unlocker for %s (depth=%d, fee=%v%%, interval=%v)",
			u.cfg.Coin, u.cfg.Depth, u.allocator.EffectiveFee(), u.cfg.Interval)

		u.mu.Lock()
		u.snapshot.Running = true
		u.mu.Unlock()

		u.wg.Add(1)
		go u.loop()
	})
}

// Stop cancels the pending timer and waits for an in-flight pass to finish
func (u *BlockUnlocker) Stop() {
	u.stopOnce.Do(func() {
		close(u.quit)
	})
	u.wg.Wait()

	u.mu.Lock()
	u.snapshot.Running = false
	u.mu.Unlock()

	u.log.Info("Block unlocker stopped")
}

func (u *BlockUnlocker) loop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.quit:
			return
		default:
		}

		u.RunPass(context.Background())

		u.mu.Lock()
		u.snapshot.NextRun = u.cfg.Clock.Now().Add(u.cfg.Interval)
		u.mu.Unlock()

		select {
		case <-u.quit:
			return
		case <-u.cfg.Clock.TickAfter(u.cfg.Interval):
		}
	}
}

// Status returns a copy of the current unlocker state
func (u *BlockUnlocker) Status() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.snapshot
}

// RunPass performs one reconciliation pass. Errors and panics end the pass
// early; mutations already applied stay applied.
func (u *BlockUnlocker) RunPass(ctx context.Context) (*PassResult, error) {
	u.passMu.Lock()
	defer u.passMu.Unlock()

	start := u.cfg.Clock.Now()
	result := &PassResult{StartedAt: start, Payments: Ledger{}}

	err := u.safePass(ctx, result)
	if err != nil {
		u.log.Errorf("Error processing unlocked blocks: %v", err)
	}
	result.Pending = result.Candidates - len(result.Orphaned) - len(result.Matured)

	elapsed := u.cfg.Clock.Now().Sub(start)

	u.mu.Lock()
	u.snapshot.Passes++
	u.snapshot.LastRun = start
	u.snapshot.LastDuration = elapsed
	u.snapshot.LastResult = result
	u.snapshot.LastError = ""
	if err != nil {
		u.snapshot.LastError = err.Error()
	}
	u.mu.Unlock()

	for _, o := range u.cfg.Observers {
		o.ObservePass(result, err, elapsed)
	}

	return result, err
}

func (u *BlockUnlocker) safePass(ctx context.Context, result *PassResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()
	return u.pass(ctx, result)
}

func (u *BlockUnlocker) pass(ctx context.Context, result *PassResult) error {
	candidates, skipped, err := u.cfg.Store.GetCandidates(ctx)
	if err != nil {
		return err
	}
	result.Candidates = len(candidates)
	result.Malformed = skipped

	if skipped > 0 {
		u.log.Warnf("%d block candidates in redis could not be decoded", skipped)
	}

	if len(candidates) == 0 {
		if skipped == 0 {
			u.log.Info("No blocks candidates in redis")
		}
		return nil
	}

	blocks, err := u.classifier.ClassifyAll(ctx, candidates)
	if err != nil {
		return err
	}

	resolved := make([]*Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Resolved() {
			resolved = append(resolved, b)
		}
	}

	if len(resolved) == 0 {
		u.log.Infof("No pending blocks are unlocked yet (%d pending)", len(candidates))
		return nil
	}

	for _, b := range resolved {
		shares, err := u.cfg.Store.GetRoundShares(ctx, b.Height)
		if err != nil {
			return err
		}
		b.RoundShares = shares
	}

	if err := u.settleOrphans(ctx, resolved, result); err != nil {
		return err
	}

	if err := u.settleMatured(ctx, resolved, result); err != nil {
		return err
	}

	paid, err := u.pay(ctx, result.Payments)
	result.WorkersPaid = paid
	if err != nil {
		return err
	}

	if paid == 0 {
		u.log.Infof("No balances to credit from %d resolved blocks", len(resolved))
		return nil
	}

	u.log.Infof("Unlocked %d blocks and update balances for %d workers", len(result.Matured), paid)
	return nil
}

// settleOrphans archives the leading run of orphaned blocks and returns
// their shares to the current round. It stops at the first matured block.
func (u *BlockUnlocker) settleOrphans(ctx context.Context, blocks []*Block, result *PassResult) error {
	for _, b := range blocks {
		if !b.Orphaned() {
			break
		}

		if err := u.cfg.Store.ArchiveBlock(ctx, b.Candidate, true); err != nil {
			return err
		}
		if err := u.cfg.Store.CarryForwardShares(ctx, b.RoundShares); err != nil {
			return err
		}

		u.log.Warnf("Block %d orphaned (chain has %s, we have %s), %d workers' shares moved to the current round",
			b.Height, b.ActualHash, b.Hash, len(b.RoundShares))
		result.Orphaned = append(result.Orphaned, b)
	}
	return nil
}

// settleMatured archives the leading run of matured blocks and allocates
// their rewards into the pass ledger. It stops at the first orphaned block.
func (u *BlockUnlocker) settleMatured(ctx context.Context, blocks []*Block, result *PassResult) error {
	for _, b := range blocks {
		if b.Orphaned() {
			break
		}

		if err := u.cfg.Store.ArchiveBlock(ctx, b.Candidate, false); err != nil {
			return fmt.Errorf("error unlocking blocks: %w", err)
		}

		minerReward := u.allocator.AllocateDonations(result.Payments, b)
		u.allocator.AllocateWorkerShares(result.Payments, b, minerReward)
		result.Matured = append(result.Matured, b)
	}
	return nil
}

// pay credits every positive ledger entry and returns how many were credited
func (u *BlockUnlocker) pay(ctx context.Context, ledger Ledger) (int, error) {
	if dropped := ledger.Prune(); dropped > 0 {
		u.log.Debugf("Dropped %d non-positive payments", dropped)
	}

	paid := 0
	for _, payee := range ledger.Payees() {
		if err := u.cfg.Store.CreditBalance(ctx, payee, ledger[payee]); err != nil {
			return paid, fmt.Errorf("error unlocking blocks: %w", err)
		}
		paid++
	}
	return paid, nil
}
