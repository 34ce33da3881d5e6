package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SpendResult is the outcome of a daily spend check.
type SpendResult struct {
	Allowed    bool
	SpentCents int64
	LimitCents int64
}

// SpendTracker tracks daily provider spend per key owner via Redis.
type SpendTracker struct {
	rdb *redis.Client
}

// NewSpendTracker creates a spend tracker. If rdb is nil, all checks pass.
func NewSpendTracker(rdb *redis.Client) *SpendTracker {
	return &SpendTracker{rdb: rdb}
}

func dailySpendKey(ownerID string) string {
	day := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("berl:spend:daily:%s:%s", ownerID, day)
}

// CheckDailySpend checks if the owner is under their daily spend limit.
func (b *SpendTracker) CheckDailySpend(ctx context.Context, ownerID string, limitCents int64) (SpendResult, error) {
	if b.rdb == nil {
		return SpendResult{Allowed: true, LimitCents: limitCents}, nil
	}

	key := dailySpendKey(ownerID)
	spent, err := b.rdb.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		// Fail open on Redis errors
		return SpendResult{Allowed: true, LimitCents: limitCents}, nil
	}

	return SpendResult{
		Allowed:    spent < limitCents,
		SpentCents: spent,
		LimitCents: limitCents,
	}, nil
}

// RecordSpend adds cost to the owner's daily spend counter.
func (b *SpendTracker) RecordSpend(ctx context.Context, ownerID string, costCents int64) error {
	if b.rdb == nil || costCents <= 0 {
		return nil
	}

	key := dailySpendKey(ownerID)
	pipe := b.rdb.Pipeline()
	pipe.IncrBy(ctx, key, costCents)
	// Expire at end of day UTC + 1 hour buffer
	now := time.Now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	ttl := endOfDay.Sub(now) + time.Hour
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CentsFromUSD converts a fractional USD amount to whole cents, rounding up
// so budgets never undercount.
func CentsFromUSD(usd float64) int64 {
	cents := int64(usd * 100)
	if float64(cents) < usd*100 {
		cents++
	}
	return cents
}
