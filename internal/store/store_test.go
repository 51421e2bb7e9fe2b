package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var slot = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func trade(id, marketID, areaID string) model.Trade {
	return model.Trade{
		ID:        id,
		Timestamp: slot,
		MarketID:  marketID,
		AreaID:    areaID,
		Seller:    "PV",
		Buyer:     "Load",
		Energy:    d(0.5),
		Rate:      d(30),
	}
}

func TestMemoryStore_Trades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, tr := range []model.Trade{
		trade("t1", "m1", "House 1"),
		trade("t2", "m1", "House 1"),
		trade("t3", "m2", "Grid"),
		trade("t1", "m1", "House 1"),
	} {
		if err := s.InsertTrade(ctx, tr); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	byMarket, _ := s.TradesByMarket(ctx, "m1")
	if len(byMarket) != 2 || byMarket[0].ID != "t1" || byMarket[1].ID != "t2" {
		t.Errorf("expected t1,t2 in order, got %+v", byMarket)
	}
	byArea, _ := s.TradesByArea(ctx, "Grid")
	if len(byArea) != 1 || byArea[0].ID != "t3" {
		t.Errorf("expected t3 for Grid, got %+v", byArea)
	}
}

func TestMemoryStore_Summaries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetMarketSummary(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	later := model.MarketSummary{MarketID: "m2", AreaID: "Grid", TimeSlot: slot.Add(15 * time.Minute), TradeCount: 1}
	first := model.MarketSummary{MarketID: "m1", AreaID: "Grid", TimeSlot: slot}
	for _, sum := range []model.MarketSummary{later, first} {
		if err := s.SaveMarketSummary(ctx, sum); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	first.Readonly = true
	if err := s.SaveMarketSummary(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetMarketSummary(ctx, "m1")
	if err != nil || !got.Readonly {
		t.Errorf("expected replaced readonly summary, got %+v, %v", got, err)
	}
	sums, _ := s.MarketSummariesByArea(ctx, "Grid")
	if len(sums) != 2 || sums[0].MarketID != "m1" || sums[1].MarketID != "m2" {
		t.Errorf("expected summaries ordered by slot, got %+v", sums)
	}
}

func TestCachedStore_ReadThrough(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)

	id := "cache-test-" + time.Now().Format("150405.000000")
	defer rdb.Del(ctx, summaryKey(id), tradesKey(id))

	if err := s.SaveMarketSummary(ctx, model.MarketSummary{MarketID: id, AreaID: "Grid", TradeCount: 3}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMarketSummary(ctx, id)
	if err != nil || got.TradeCount != 3 {
		t.Fatalf("unexpected summary %+v, %v", got, err)
	}

	if _, err := s.TradesByMarket(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertTrade(ctx, trade("t1", id, "Grid")); err != nil {
		t.Fatal(err)
	}
	trades, _ := s.TradesByMarket(ctx, id)
	if len(trades) != 1 {
		t.Errorf("insert should invalidate the cached trade list, got %d trades", len(trades))
	}
}
