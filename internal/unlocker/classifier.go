package unlocker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tos-network/block-unlocker/internal/rpc"
	"github.com/tos-network/block-unlocker/internal/storage"
	"go.uber.org/zap"
)

// HeaderSource looks up the main-chain block header at a height
type HeaderSource interface {
	GetBlockHeaderByHeight(ctx context.Context, height uint64) (*rpc.BlockHeader, error)
}

// Status is the outcome of classifying a candidate against the chain
type Status int

const (
	// StatusPending means the block is not deep enough to settle yet
	StatusPending Status = iota
	// StatusMatured means the block is deep enough and on the main chain
	StatusMatured
	// StatusOrphaned means the block is deep enough but the chain holds another hash
	StatusOrphaned
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMatured:
		return "matured"
	case StatusOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText encodes the status by name
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Block is a candidate enriched with the daemon's view of its height
type Block struct {
	*storage.Candidate

	ActualHash  string              `json:"actual_hash"`
	Depth       uint64              `json:"depth"`
	Reward      uint64              `json:"reward"`
	Status      Status              `json:"status"`
	RoundShares storage.RoundShares `json:"-"`
}

// Resolved reports whether the block can be settled this pass
func (b *Block) Resolved() bool {
	return b.Status != StatusPending
}

// Orphaned reports whether the chain holds a different block at this height
func (b *Block) Orphaned() bool {
	return b.Status == StatusOrphaned
}

// Classifier resolves candidates against a chain daemon
type Classifier struct {
	source HeaderSource
	depth  uint64
	log    *zap.SugaredLogger
}

// NewClassifier creates a classifier that treats blocks at least depth deep as resolved
func NewClassifier(source HeaderSource, depth uint64, log *zap.SugaredLogger) *Classifier {
	return &Classifier{
		source: source,
		depth:  depth,
		log:    log,
	}
}

// Classify queries the daemon once for c's height
func (c *Classifier) Classify(ctx context.Context, cand *storage.Candidate) (*Block, error) {
	header, err := c.source.GetBlockHeaderByHeight(ctx, cand.Height)
	if err != nil {
		return nil, err
	}

	b := &Block{
		Candidate:  cand,
		ActualHash: header.Hash,
		Depth:      header.Depth,
		Reward:     header.Reward,
	}

	switch {
	case header.Depth < c.depth:
		b.Status = StatusPending
	case header.Hash != cand.Hash:
		b.Status = StatusOrphaned
	default:
		b.Status = StatusMatured
	}

	return b, nil
}

// ClassifyAll classifies candidates in order. When the daemon answers
// without a header, classification stops and the blocks classified so far
// are returned. Any other daemon error is returned and aborts the pass.
func (c *Classifier) ClassifyAll(ctx context.Context, cands []*storage.Candidate) ([]*Block, error) {
	blocks := make([]*Block, 0, len(cands))

	for _, cand := range cands {
		b, err := c.Classify(ctx, cand)
		if errors.Is(err, rpc.ErrNoBlockHeader) {
			c.log.Errorf("Error with getblockheaderbyheight, no details returned for %s - %v",
				cand.Serialized, err)
			break
		}
		if err != nil {
			return blocks, fmt.Errorf("getblockheaderbyheight %d: %w", cand.Height, err)
		}

		c.log.Debugf("Block %d is %s (depth %d, reward %d)", b.Height, b.Status, b.Depth, b.Reward)
		blocks = append(blocks, b)
	}

	return blocks, nil
}
