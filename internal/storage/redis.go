package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/block-unlocker/internal/util"
)

// Key patterns, each prefixed with the coin namespace
const (
	keyBlocksCandidates = "%s:blocks:candidates"
	keyBlocksMatured    = "%s:blocks:matured"
	keySharesRound      = "%s:shares:round:%d"
	keySharesCurrent    = "%s:shares:roundCurrent"
	keyWorker           = "%s:workers:%s"

	fieldBalance = "balance"
)

var (
	// ErrNonPositiveAmount is returned when a balance credit is zero or negative
	ErrNonPositiveAmount = errors.New("credit amount must be positive")

	// ErrMalformedCandidate is returned for candidate members that do not decode
	ErrMalformedCandidate = errors.New("malformed candidate")
)

// RedisClient wraps the Redis operations the unlocker settles against
type RedisClient struct {
	client *redis.Client
	coin   string
}

// NewRedisClient creates a new Redis client namespaced to coin
func NewRedisClient(url, password string, db int, coin string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, coin: coin}, nil
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Coin returns the key namespace
func (r *RedisClient) Coin() string {
	return r.coin
}

func (r *RedisClient) candidatesKey() string {
	return fmt.Sprintf(keyBlocksCandidates, r.coin)
}

func (r *RedisClient) maturedKey() string {
	return fmt.Sprintf(keyBlocksMatured, r.coin)
}

func (r *RedisClient) roundKey(height uint64) string {
	return fmt.Sprintf(keySharesRound, r.coin, height)
}

func (r *RedisClient) currentRoundKey() string {
	return fmt.Sprintf(keySharesCurrent, r.coin)
}

func (r *RedisClient) workerKey(id string) string {
	return fmt.Sprintf(keyWorker, r.coin, id)
}

// GetCandidates returns every candidate block in ascending height order,
// along with the number of members that could not be decoded and were skipped.
func (r *RedisClient) GetCandidates(ctx context.Context) ([]*Candidate, int, error) {
	results, err := r.client.ZRangeWithScores(ctx, r.candidatesKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read candidates: %w", err)
	}

	skipped := 0
	candidates := make([]*Candidate, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			skipped++
			continue
		}
		c, err := ParseCandidate(member, uint64(z.Score))
		if err != nil {
			util.Warnf("Skipping candidate at height %.0f: %v", z.Score, err)
			skipped++
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, skipped, nil
}

// GetRoundShares returns the per-worker shares recorded for the round at height
func (r *RedisClient) GetRoundShares(ctx context.Context, height uint64) (RoundShares, error) {
	data, err := r.client.HGetAll(ctx, r.roundKey(height)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read round shares for height %d: %w", height, err)
	}
	return parseShares(data, height), nil
}

// GetCurrentRoundShares returns the running current-round accumulator
func (r *RedisClient) GetCurrentRoundShares(ctx context.Context) (RoundShares, error) {
	data, err := r.client.HGetAll(ctx, r.currentRoundKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read current round shares: %w", err)
	}
	return parseShares(data, 0), nil
}

func parseShares(data map[string]string, height uint64) RoundShares {
	shares := make(RoundShares, len(data))
	for worker, count := range data {
		c, err := strconv.ParseUint(count, 10, 64)
		if err != nil {
			util.Warnf("Ignoring share count %q for worker %s (round %d)", count, worker, height)
			continue
		}
		shares[worker] = c
	}
	return shares
}

// ArchiveBlock drops the round shares of a resolved candidate, removes it
// from the candidate set and appends it to the matured archive.
func (r *RedisClient) ArchiveBlock(ctx context.Context, c *Candidate, orphaned bool) error {
	record := NewMaturedRecord(c, orphaned)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.roundKey(c.Height))
		pipe.ZRem(ctx, r.candidatesKey(), c.Serialized)
		pipe.ZAdd(ctx, r.maturedKey(), &redis.Z{
			Score:  float64(c.Height),
			Member: record.Member(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive block %d: %w", c.Height, err)
	}
	return nil
}

// CarryForwardShares adds each worker's shares into the current round accumulator
func (r *RedisClient) CarryForwardShares(ctx context.Context, shares RoundShares) error {
	if len(shares) == 0 {
		return nil
	}

	key := r.currentRoundKey()
	pipe := r.client.Pipeline()
	for worker, count := range shares {
		pipe.HIncrBy(ctx, key, worker, int64(count))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to carry forward shares: %w", err)
	}
	return nil
}

// CreditBalance increments a payee's balance. It never decrements.
func (r *RedisClient) CreditBalance(ctx context.Context, payee string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d for %s", ErrNonPositiveAmount, amount, payee)
	}

	if err := r.client.HIncrBy(ctx, r.workerKey(payee), fieldBalance, amount).Err(); err != nil {
		return fmt.Errorf("failed to credit %s: %w", payee, err)
	}
	return nil
}

// GetBalance returns a payee's balance, zero when none was ever credited
func (r *RedisClient) GetBalance(ctx context.Context, payee string) (int64, error) {
	balance, err := r.client.HGet(ctx, r.workerKey(payee), fieldBalance).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", payee, err)
	}
	return balance, nil
}

// GetMaturedBlocks returns the most recent archive entries, newest first
func (r *RedisClient) GetMaturedBlocks(ctx context.Context, limit int64) ([]*MaturedRecord, error) {
	results, err := r.client.ZRevRangeWithScores(ctx, r.maturedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read matured blocks: %w", err)
	}

	records := make([]*MaturedRecord, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		record, err := ParseMaturedRecord(member, uint64(z.Score))
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
