package matching

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/market"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newMarket() *market.Market {
	return market.New("house-1", time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC), market.WithID("mkt-1"))
}

func TestPayAsBid_MatchesCrossingOrders(t *testing.T) {
	m := newMarket()
	m.PlaceOffer(d(1), d(1), "pv1", nil)  // rate 1
	m.PlaceOffer(d(4), d(2), "pv2", nil)  // rate 2
	m.PlaceOffer(d(10), d(1), "pv3", nil) // rate 10, never crosses
	m.PlaceBid(d(9), d(3), "load", nil)   // rate 3

	res, err := PayAsBid{}.ProposeAndApply(context.Background(), "house-1", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trades != 2 {
		t.Errorf("expected 2 trades, got %d", res.Trades)
	}
	if !res.Energy.Equal(d(3)) {
		t.Errorf("expected 3 kWh matched, got %s", res.Energy)
	}
	for _, tr := range m.Trades() {
		if !tr.Rate.Equal(d(3)) {
			t.Errorf("trade should clear at the bid rate 3, got %s", tr.Rate)
		}
	}
	if len(m.Offers()) != 1 {
		t.Errorf("expensive offer should stay open, got %d offers", len(m.Offers()))
	}
}

func TestPayAsBid_PartialLeavesResidual(t *testing.T) {
	m := newMarket()
	m.PlaceOffer(d(5), d(5), "pv", nil)
	m.PlaceBid(d(4), d(2), "load", nil)

	if _, err := (PayAsBid{}).ProposeAndApply(context.Background(), "house-1", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	offers := m.SortedOffers()
	if len(offers) != 1 || !offers[0].Energy.Equal(d(3)) {
		t.Fatalf("expected residual offer of 3, got %+v", offers)
	}
	if len(m.Bids()) != 0 {
		t.Error("bid should be filled")
	}
}

func TestPayAsBid_SkipsSelfTrades(t *testing.T) {
	m := newMarket()
	m.PlaceOffer(d(1), d(1), "IAA house-1", nil)
	m.PlaceBid(d(2), d(1), "IAA house-1", nil)

	res, err := PayAsBid{}.ProposeAndApply(context.Background(), "house-1", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trades != 0 {
		t.Errorf("an agent must not trade with itself, got %d trades", res.Trades)
	}
}

func TestPayAsBid_NoCross(t *testing.T) {
	m := newMarket()
	m.PlaceOffer(d(3), d(1), "pv", nil)
	m.PlaceBid(d(2), d(1), "load", nil)

	recs := PayAsBid{}.Propose(m)
	if len(recs) != 0 {
		t.Errorf("expected no recommendations, got %d", len(recs))
	}
}

func TestPayAsBid_ClosedMarketIsSkipped(t *testing.T) {
	m := newMarket()
	m.PlaceOffer(d(1), d(1), "pv", nil)
	m.PlaceBid(d(2), d(1), "load", nil)
	m.Close()

	res, err := PayAsBid{}.ProposeAndApply(context.Background(), "house-1", m)
	if err != nil || res.Trades != 0 {
		t.Errorf("closed market should be skipped, got res=%+v err=%v", res, err)
	}
}

func TestPayAsBid_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (PayAsBid{}).ProposeAndApply(ctx, "house-1", newMarket()); err == nil {
		t.Error("expected context error")
	}
}

type registry struct {
	markets map[string]*market.Market
}

func (r *registry) RegisterMarket(areaID string, m *market.Market) {
	r.markets[areaID] = m
}

func TestExternal_RegistersAndProposesNothing(t *testing.T) {
	reg := &registry{markets: map[string]*market.Market{}}
	m := newMarket()
	m.PlaceOffer(d(1), d(1), "pv", nil)
	m.PlaceBid(d(2), d(1), "load", nil)

	res, err := NewExternal(reg).ProposeAndApply(context.Background(), "house-1", m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Trades != 0 || len(m.Trades()) != 0 {
		t.Error("external matcher must not trade locally")
	}
	if reg.markets["house-1"] != m {
		t.Error("market should be registered under its area")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"internal", false},
		{"external", false},
		{"clearing", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			_, err := New(tt.kind, &registry{markets: map[string]*market.Market{}})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) err = %v, wantErr %v", tt.kind, err, tt.wantErr)
			}
		})
	}
}
