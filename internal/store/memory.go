package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dog-ball/gsy-e/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	trades    []model.Trade
	seen      map[string]bool
	summaries map[string]model.MarketSummary
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]bool),
		summaries: make(map[string]model.MarketSummary),
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[t.ID] {
		return nil
	}
	s.seen[t.ID] = true
	s.trades = append(s.trades, t)
	return nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByArea(_ context.Context, areaID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.AreaID == areaID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveMarketSummary(_ context.Context, sum model.MarketSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries[sum.MarketID] = sum
	return nil
}

func (s *MemoryStore) GetMarketSummary(_ context.Context, marketID string) (*model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market summary %s", ErrNotFound, marketID)
	}
	return &sum, nil
}

func (s *MemoryStore) MarketSummariesByArea(_ context.Context, areaID string) ([]model.MarketSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketSummary
	for _, sum := range s.summaries {
		if sum.AreaID == areaID {
			result = append(result, sum)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TimeSlot.Before(result[j].TimeSlot) })
	return result, nil
}
