package unlocker

import (
	"math"
	"sort"

	"github.com/tos-network/block-unlocker/internal/config"
	"go.uber.org/zap"
)

// Ledger maps payee to the amount accumulated for it during one pass
type Ledger map[string]int64

// Payees returns the ledger keys in sorted order
func (l Ledger) Payees() []string {
	payees := make([]string, 0, len(l))
	for p := range l {
		payees = append(payees, p)
	}
	sort.Strings(payees)
	return payees
}

// Prune drops every entry whose amount is not positive and returns how many were dropped
func (l Ledger) Prune() int {
	dropped := 0
	for p, amount := range l {
		if amount <= 0 {
			delete(l, p)
			dropped++
		}
	}
	return dropped
}

// round rounds to the nearest integer, halves up
func round(x float64) int64 {
	return int64(math.Floor(x + 0.5))
}

// Allocator splits a matured block reward into donation and worker credits
type Allocator struct {
	poolFee   float64
	donations []config.DonationConfig
	log       *zap.SugaredLogger
}

// NewAllocator creates an allocator for the given pool fee and donation table
func NewAllocator(poolFee float64, donations []config.DonationConfig, log *zap.SugaredLogger) *Allocator {
	return &Allocator{
		poolFee:   poolFee,
		donations: donations,
		log:       log,
	}
}

// EffectiveFee is the pool fee plus all donation percents. Only logged.
func (a *Allocator) EffectiveFee() float64 {
	fee := a.poolFee
	for _, d := range a.donations {
		fee += d.Percent
	}
	return fee
}

// MinerReward is the part of reward left for workers after the pool fee
func (a *Allocator) MinerReward(reward uint64) int64 {
	r := float64(reward)
	return round(r - r*a.poolFee/100)
}

// AllocateDonations credits each donation wallet with its share of the gross
// reward and returns the reward to distribute among workers. Donations do
// not reduce the miner reward; both are taken from the gross amount.
func (a *Allocator) AllocateDonations(ledger Ledger, b *Block) int64 {
	for _, d := range a.donations {
		amount := round(float64(b.Reward) * d.Percent / 100)
		ledger[d.Address] += amount
		a.log.Infof("Block %d donation to %s as %v percent of reward: %d",
			b.Height, d.Address, d.Percent, amount)
	}

	minerReward := a.MinerReward(b.Reward)
	a.log.Infof("Unlocked %d block with reward %d and donation fee %v. Miners reward: %d",
		b.Height, b.Reward, a.EffectiveFee(), minerReward)

	return minerReward
}

// AllocateWorkerShares splits minerReward across the workers of the block's
// round in proportion to their shares. It returns the number of workers credited.
func (a *Allocator) AllocateWorkerShares(ledger Ledger, b *Block, minerReward int64) int {
	if len(b.RoundShares) == 0 {
		a.log.Infof("Block %d has no recorded shares, 0 workers paid", b.Height)
		return 0
	}

	total := b.Shares
	if total == 0 {
		total = b.RoundShares.Total()
	}
	if total == 0 {
		a.log.Warnf("Block %d has round shares that sum to zero, 0 workers paid", b.Height)
		return 0
	}

	workers := make([]string, 0, len(b.RoundShares))
	for w := range b.RoundShares {
		workers = append(workers, w)
	}
	sort.Strings(workers)

	for _, w := range workers {
		shares := b.RoundShares[w]
		amount := round(float64(minerReward) * float64(shares) / float64(total))
		ledger[w] += amount
		a.log.Infof("Block %d payment to %s for %d of %d shares: %d",
			b.Height, w, shares, total, amount)
	}

	return len(workers)
}
