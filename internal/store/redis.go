package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dog-ball/gsy-e/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradesKey(t.MarketID))
	return nil
}

func (s *CachedStore) SaveMarketSummary(ctx context.Context, sum model.MarketSummary) error {
	if err := s.primary.SaveMarketSummary(ctx, sum); err != nil {
		return err
	}
	s.cacheSummary(ctx, &sum)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error) {
	data, err := s.rdb.Get(ctx, summaryKey(marketID)).Bytes()
	if err == nil {
		var sum model.MarketSummary
		if json.Unmarshal(data, &sum) == nil {
			return &sum, nil
		}
	}

	// Cache miss: read from primary.
	sum, err := s.primary.GetMarketSummary(ctx, marketID)
	if err != nil {
		return nil, err
	}

	s.cacheSummary(ctx, sum)
	return sum, nil
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradesKey(marketID)).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.TradesByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, tradesKey(marketID), data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) TradesByArea(ctx context.Context, areaID string) ([]model.Trade, error) {
	return s.primary.TradesByArea(ctx, areaID)
}

func (s *CachedStore) MarketSummariesByArea(ctx context.Context, areaID string) ([]model.MarketSummary, error) {
	return s.primary.MarketSummariesByArea(ctx, areaID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSummary(ctx context.Context, sum *model.MarketSummary) {
	if data, err := json.Marshal(sum); err == nil {
		s.rdb.Set(ctx, summaryKey(sum.MarketID), data, s.ttl)
	}
}

func summaryKey(id string) string { return fmt.Sprintf("summary:%s", id) }
func tradesKey(id string) string  { return fmt.Sprintf("trades:%s", id) }
