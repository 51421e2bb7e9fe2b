package interarea

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

// fakeBook serves a fixed set of offers and records every mutation.
type fakeBook struct {
	id     string
	offers []model.Offer
	bids   []model.Bid

	placed   []model.Offer
	placedB  []model.Bid
	deleted  []string
	accepted []string
	n        int
}

func (f *fakeBook) ID() string                  { return f.id }
func (f *fakeBook) SortedOffers() []model.Offer { return f.offers }
func (f *fakeBook) SortedBids() []model.Bid     { return f.bids }

func (f *fakeBook) Offer(id string) (model.Offer, bool) {
	for _, o := range f.offers {
		if o.ID == id {
			return o, true
		}
	}
	for _, o := range f.placed {
		if o.ID == id {
			return o, true
		}
	}
	return model.Offer{}, false
}

func (f *fakeBook) Bid(id string) (model.Bid, bool) {
	for _, b := range f.bids {
		if b.ID == id {
			return b, true
		}
	}
	for _, b := range f.placedB {
		if b.ID == id {
			return b, true
		}
	}
	return model.Bid{}, false
}

func (f *fakeBook) PlaceOffer(price, energy decimal.Decimal, seller string, attrs map[string]string) (model.Offer, error) {
	f.n++
	o := model.Offer{ID: fmt.Sprintf("%s-fwd-%d", f.id, f.n), Price: price, Energy: energy, Seller: seller, MarketID: f.id, Attributes: attrs}
	f.placed = append(f.placed, o)
	return o, nil
}

func (f *fakeBook) PlaceBid(price, energy decimal.Decimal, buyer string, attrs map[string]string) (model.Bid, error) {
	f.n++
	b := model.Bid{ID: fmt.Sprintf("%s-fwd-%d", f.id, f.n), Price: price, Energy: energy, Buyer: buyer, MarketID: f.id, Attributes: attrs}
	f.placedB = append(f.placedB, b)
	return b, nil
}

func (f *fakeBook) AcceptOfferAt(offerID, buyer string, energy, rate decimal.Decimal) (model.TradeEvent, error) {
	f.accepted = append(f.accepted, offerID)
	o, _ := f.Offer(offerID)
	return model.TradeEvent{Trade: model.Trade{OfferID: offerID, Buyer: buyer, Energy: energy, Rate: rate}, Offer: &o}, nil
}

func (f *fakeBook) AcceptBidAt(bidID, seller string, energy, rate decimal.Decimal) (model.TradeEvent, error) {
	f.accepted = append(f.accepted, bidID)
	b, _ := f.Bid(bidID)
	return model.TradeEvent{Trade: model.Trade{BidID: bidID, Seller: seller, Energy: energy, Rate: rate}, Bid: &b}, nil
}

func (f *fakeBook) DeleteOffer(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBook) DeleteBid(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func offer(id string, price, energy float64, seller string) model.Offer {
	return model.Offer{ID: id, Price: d(price), Energy: d(energy), Seller: seller}
}

// crossTwoTicks builds an agent over lower [id] and higher [id2, id3] and
// ticks it at 10 and 14.
func crossTwoTicks(t *testing.T) (*Agent, *fakeBook, *fakeBook) {
	t.Helper()
	lower := &fakeBook{id: "lower", offers: []model.Offer{offer("id", 1, 1, "other")}}
	higher := &fakeBook{id: "higher", offers: []model.Offer{
		offer("id3", 0.5, 1, "owner"),
		offer("id2", 3, 3, "owner"),
	}}
	a := New("IAA owner", lower, higher, quiet)
	a.Tick(10)
	a.Tick(14)
	return a, lower, higher
}

func TestTick_ForwardsBothDirections(t *testing.T) {
	_, lower, higher := crossTwoTicks(t)
	if len(lower.placed) != 2 {
		t.Errorf("expected 2 offers forwarded down, got %d", len(lower.placed))
	}
	if len(higher.placed) != 1 {
		t.Errorf("expected 1 offer forwarded up, got %d", len(higher.placed))
	}
	for _, o := range append(lower.placed, higher.placed...) {
		if o.Seller != "IAA owner" {
			t.Errorf("forwarded offer seller should be the agent, got %s", o.Seller)
		}
	}
}

func TestTick_MinimumAge(t *testing.T) {
	lower := &fakeBook{id: "lower", offers: []model.Offer{offer("id", 1, 1, "other")}}
	higher := &fakeBook{id: "higher"}
	a := New("IAA owner", lower, higher, quiet, WithMinOfferAge(2))

	a.Tick(0)
	a.Tick(1)
	if len(higher.placed) != 0 {
		t.Fatalf("offer younger than min age was forwarded")
	}
	a.Tick(2)
	if len(higher.placed) != 1 {
		t.Errorf("expected offer to be forwarded at age 2, got %d placements", len(higher.placed))
	}
}

func TestTick_Idempotent(t *testing.T) {
	a, lower, higher := crossTwoTicks(t)
	a.Tick(15)
	a.Tick(16)
	if len(lower.placed) != 2 || len(higher.placed) != 1 {
		t.Errorf("re-ticking forwarded again: lower=%d higher=%d", len(lower.placed), len(higher.placed))
	}
}

func TestOnTrade_OriginalSoldDeletesCopy(t *testing.T) {
	a, lower, higher := crossTwoTicks(t)
	id3, _ := higher.Offer("id3")
	a.OnTrade(model.TradeEvent{
		Trade: model.Trade{OfferID: "id3", Seller: "owner", Buyer: "someone_else", Energy: d(1)},
		Offer: &id3,
	})
	if len(lower.deleted) != 1 {
		t.Fatalf("expected exactly one delete in lower market, got %d", len(lower.deleted))
	}
	if len(lower.accepted) != 0 {
		t.Error("selling the original must not accept anything")
	}
	if _, ok := a.ForwardedOffer("id3"); ok {
		t.Error("pair should be removed from the edge table")
	}
}

func TestOnTrade_CopyBoughtAcceptsOriginal(t *testing.T) {
	lower := &fakeBook{id: "lower", offers: []model.Offer{offer("id", 2, 2, "other")}}
	higher := &fakeBook{id: "higher"}
	a := New("IAA owner", lower, higher, quiet)
	a.Tick(10)
	a.Tick(12)
	if len(higher.placed) != 1 {
		t.Fatalf("expected forwarded offer, got %d", len(higher.placed))
	}

	copyOffer := higher.placed[0]
	a.OnTrade(model.TradeEvent{
		Trade: model.Trade{OfferID: copyOffer.ID, Seller: copyOffer.Seller, Buyer: "someone_else", Energy: d(2)},
		Offer: &copyOffer,
	})
	if len(lower.accepted) != 1 || lower.accepted[0] != "id" {
		t.Fatalf("expected one accept of the original, got %v", lower.accepted)
	}
	if len(higher.deleted) != 0 {
		t.Error("the bought copy must not be deleted")
	}
}

func TestOnTrade_PartialForwardsResidual(t *testing.T) {
	lower := &fakeBook{id: "lower", offers: []model.Offer{offer("id", 2, 2, "other")}}
	higher := &fakeBook{id: "higher"}
	a := New("IAA owner", lower, higher, quiet)
	a.Tick(10)
	a.Tick(12)

	full := lower.offers[0]
	residual := offer("residual", 1.4, 1.4, "other")
	a.OnTrade(model.TradeEvent{
		Trade:         model.Trade{OfferID: full.ID, Seller: "other", Buyer: "local", Energy: d(0.6)},
		Offer:         &full,
		ResidualOffer: &residual,
	})

	if len(higher.deleted) != 1 {
		t.Errorf("stale copy should be deleted, got %d deletes", len(higher.deleted))
	}
	last := higher.placed[len(higher.placed)-1]
	if !last.Energy.Equal(d(1.4)) {
		t.Errorf("expected forwarded residual energy 1.4, got %s", last.Energy)
	}
	if fwd, ok := a.ForwardedOffer("residual"); !ok || fwd.ID != last.ID {
		t.Error("residual should be paired with its new copy")
	}
}

func TestOnTrade_UnrelatedOrderIgnored(t *testing.T) {
	a, lower, higher := crossTwoTicks(t)
	other := offer("unknown", 1, 1, "x")
	a.OnTrade(model.TradeEvent{Offer: &other, Trade: model.Trade{Energy: d(1)}})
	if len(lower.deleted)+len(higher.deleted)+len(lower.accepted)+len(higher.accepted) != 0 {
		t.Error("trade on an unknown order must not touch either market")
	}
}

// --- Real markets ---

type edge struct {
	house, grid *market.Market
	agent       *Agent
}

func newEdge(t *testing.T) *edge {
	t.Helper()
	slot := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &edge{
		house: market.New("house-1", slot, market.WithID("house-1")),
		grid:  market.New("grid", slot, market.WithID("grid")),
	}
	e.agent = New("IAA house-1", e.house, e.grid, quiet)
	e.house.Subscribe(e.agent)
	e.grid.Subscribe(e.agent)
	return e
}

func (e *edge) ticks(from, to int) {
	for i := from; i <= to; i++ {
		e.agent.Tick(i)
	}
}

func TestAgent_PartialBuyOfCopyResplitsOriginal(t *testing.T) {
	e := newEdge(t)
	orig, _ := e.house.PlaceOffer(d(4), d(2), "pv", map[string]string{model.AttrEnergyType: "PV"})
	e.ticks(0, 1)

	copyOffer, ok := e.agent.ForwardedOffer(orig.ID)
	if !ok {
		t.Fatal("offer not forwarded to grid")
	}
	if copyOffer.Attributes[model.AttrEnergyType] != "PV" {
		t.Error("forwarded copy must keep attributes")
	}

	if _, err := e.grid.AcceptOffer(copyOffer.ID, "grid-load", d(0.6)); err != nil {
		t.Fatalf("accept copy: %v", err)
	}

	houseTrades := e.house.Trades()
	if len(houseTrades) != 1 || houseTrades[0].Buyer != "IAA house-1" || !houseTrades[0].Energy.Equal(d(0.6)) {
		t.Fatalf("expected agent to buy 0.6 from the original, got %+v", houseTrades)
	}

	offers := e.house.SortedOffers()
	if len(offers) != 1 || !offers[0].Energy.Equal(d(1.4)) {
		t.Fatalf("expected house residual of 1.4, got %+v", offers)
	}
	fwd, ok := e.agent.ForwardedOffer(offers[0].ID)
	if !ok {
		t.Fatal("residual should stay paired with the grid residual")
	}
	if !fwd.Energy.Equal(d(1.4)) {
		t.Errorf("expected forwarded residual 1.4, got %s", fwd.Energy)
	}
	if len(e.grid.Offers()) != 1 {
		t.Errorf("grid should hold exactly the residual copy, got %d", len(e.grid.Offers()))
	}
}

func TestAgent_OriginalSoldLocallyRemovesCopy(t *testing.T) {
	e := newEdge(t)
	orig, _ := e.house.PlaceOffer(d(2), d(2), "pv", nil)
	e.ticks(0, 1)

	if _, err := e.house.AcceptOffer(orig.ID, "house-load", decimal.Zero); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(e.grid.Offers()) != 0 {
		t.Errorf("copy should be removed from the grid, got %d offers", len(e.grid.Offers()))
	}
	if len(e.grid.Trades()) != 0 {
		t.Error("the grid must not record a trade")
	}
}

func TestAgent_BidForwardedUpAndSettled(t *testing.T) {
	e := newEdge(t)
	bid, _ := e.house.PlaceBid(d(3), d(1), "load", nil)
	e.ticks(0, 1)

	copyBid, ok := e.agent.ForwardedBid(bid.ID)
	if !ok {
		t.Fatal("bid not forwarded")
	}
	if _, err := e.grid.AcceptBid(copyBid.ID, "grid-pv", decimal.Zero); err != nil {
		t.Fatalf("accept copy bid: %v", err)
	}
	trades := e.house.Trades()
	if len(trades) != 1 || trades[0].Seller != "IAA house-1" || trades[0].Buyer != "load" {
		t.Fatalf("expected agent to fill the original bid, got %+v", trades)
	}
	if len(e.house.Bids()) != 0 || len(e.grid.Bids()) != 0 {
		t.Error("both bids should be filled")
	}
}

func TestAgent_Counterpart(t *testing.T) {
	e := newEdge(t)
	o, _ := e.house.PlaceOffer(d(1), d(1), "pv", nil)
	b, _ := e.house.PlaceBid(d(3), d(1), "load", nil)
	e.ticks(0, 1)

	copyOffer, _ := e.agent.ForwardedOffer(o.ID)
	copyBid, _ := e.agent.ForwardedBid(b.ID)
	for _, tc := range []struct{ from, want string }{
		{o.ID, copyOffer.ID},
		{copyOffer.ID, o.ID},
		{b.ID, copyBid.ID},
		{copyBid.ID, b.ID},
	} {
		if got, ok := e.agent.Counterpart(tc.from); !ok || got != tc.want {
			t.Errorf("Counterpart(%s) = %q, %v; want %q", tc.from, got, ok, tc.want)
		}
	}
	if _, ok := e.agent.Counterpart("unknown"); ok {
		t.Error("unknown orders have no counterpart")
	}

	// Settled pairs are unlinked.
	if _, err := e.house.AcceptOffer(o.ID, "house-load", decimal.Zero); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, ok := e.agent.Counterpart(o.ID); ok {
		t.Error("sold original should no longer be linked")
	}
}

func TestAgent_BidsNotForwardedDown(t *testing.T) {
	e := newEdge(t)
	e.grid.PlaceBid(d(3), d(1), "grid-load", nil)
	e.ticks(0, 3)
	if len(e.house.Bids()) != 0 {
		t.Error("grid bids must stay in the grid")
	}
}

func TestAgent_RetractsCopyOfDeletedOriginal(t *testing.T) {
	e := newEdge(t)
	orig, _ := e.house.PlaceOffer(d(1), d(1), "pv", nil)
	e.ticks(0, 1)
	if len(e.grid.Offers()) != 1 {
		t.Fatal("expected copy in grid")
	}
	e.house.DeleteOffer(orig.ID)
	e.agent.Tick(2)
	if len(e.grid.Offers()) != 0 {
		t.Error("copy of deleted original should be retracted")
	}
}

func TestAgent_ClosedHigherMarketDropsForward(t *testing.T) {
	e := newEdge(t)
	orig, _ := e.house.PlaceOffer(d(1), d(1), "pv", nil)
	e.grid.Close()
	e.ticks(0, 2)

	if _, ok := e.agent.ForwardedOffer(orig.ID); ok {
		t.Error("forward into a closed market must be dropped")
	}
	if _, ok := e.house.Offer(orig.ID); !ok {
		t.Error("original must be untouched")
	}
}

func TestAgent_CopyBoughtAfterOriginalGone(t *testing.T) {
	e := newEdge(t)
	orig, _ := e.house.PlaceOffer(d(2), d(2), "pv", nil)
	e.ticks(0, 1)
	copyOffer, _ := e.agent.ForwardedOffer(orig.ID)

	// The house closes before the grid copy is bought; settlement fails as
	// a benign race and nothing is bought twice.
	e.house.Close()
	if _, err := e.grid.AcceptOffer(copyOffer.ID, "grid-load", decimal.Zero); err != nil {
		t.Fatalf("accept copy: %v", err)
	}
	if len(e.house.Trades()) != 0 {
		t.Error("closed market must not record trades")
	}
}

// --- Properties ---

// Forwarded copies always mirror the remaining energy of their original,
// and the agent buys exactly the energy it sells for what it earns.
func TestProperty_SettlementConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		slot := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
		house := market.New("house", slot, market.WithID("house"))
		grid := market.New("grid", slot, market.WithID("grid"))
		agent := New("IAA house", house, grid, quiet)
		house.Subscribe(agent)
		grid.Subscribe(agent)

		n := rapid.IntRange(1, 5).Draw(t, "offers")
		for i := 0; i < n; i++ {
			e := decimal.NewFromInt(int64(rapid.IntRange(1, 10).Draw(t, "energy")))
			house.PlaceOffer(e.Mul(decimal.NewFromInt(2)), e, fmt.Sprintf("pv%d", i), nil)
		}

		tick := 0
		agent.Tick(tick)
		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			tick++
			agent.Tick(tick)
			gridOffers := grid.SortedOffers()
			if len(gridOffers) == 0 {
				break
			}
			target := gridOffers[rapid.IntRange(0, len(gridOffers)-1).Draw(t, "pick")]
			tenths := rapid.IntRange(0, int(target.Energy.Mul(decimal.NewFromInt(10)).IntPart())).Draw(t, "tenths")
			grid.AcceptOffer(target.ID, "buyer", decimal.New(int64(tenths), -1))
		}

		bought, sold := decimal.Zero, decimal.Zero
		paid, earned := decimal.Zero, decimal.Zero
		for _, tr := range house.Trades() {
			if tr.Buyer == "IAA house" {
				bought = bought.Add(tr.Energy)
				paid = paid.Add(tr.Price())
			}
		}
		for _, tr := range grid.Trades() {
			if tr.Seller == "IAA house" {
				sold = sold.Add(tr.Energy)
				earned = earned.Add(tr.Price())
			}
		}
		if !bought.Equal(sold) {
			t.Fatalf("agent bought %s but sold %s", bought, sold)
		}
		if !paid.Equal(earned) {
			t.Fatalf("agent paid %s but earned %s", paid, earned)
		}

		for id, o := range house.Offers() {
			fwd, ok := agent.ForwardedOffer(id)
			if !ok {
				continue
			}
			if !fwd.Energy.Equal(o.Energy) {
				t.Fatalf("copy energy %s differs from original %s", fwd.Energy, o.Energy)
			}
		}
	})
}
