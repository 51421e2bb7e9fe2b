// Package store defines the persistence interface for the simulator's
// settlement records: committed trades and per-slot market summaries.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (default and testing).
package store

import (
	"context"
	"errors"

	"github.com/dog-ball/gsy-e/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Trades are append-only.
type Store interface {
	// --- Immutable trade ledger ---

	// InsertTrade appends a committed trade. Inserting the same trade ID
	// twice is a no-op.
	InsertTrade(ctx context.Context, t model.Trade) error

	// TradesByMarket returns the trades of one market in commit order.
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// TradesByArea returns every trade made in an area's markets.
	TradesByArea(ctx context.Context, areaID string) ([]model.Trade, error)

	// --- Slot summaries ---

	// SaveMarketSummary stores or replaces the summary of a market.
	SaveMarketSummary(ctx context.Context, s model.MarketSummary) error

	// GetMarketSummary returns the summary of a market.
	GetMarketSummary(ctx context.Context, marketID string) (*model.MarketSummary, error)

	// MarketSummariesByArea returns the summaries of an area by time slot.
	MarketSummariesByArea(ctx context.Context, areaID string) ([]model.MarketSummary, error)
}
