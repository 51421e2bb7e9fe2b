// Package interarea implements the agent that bridges two adjacent markets
// of the area hierarchy. It replicates open orders across the edge and
// reconciles trades on forwarded copies with their originals, so energy is
// neither double counted nor double sold.
//
// An Agent is not safe for concurrent use. It is driven by the simulation
// goroutine: ticks, and trade events raised by markets on that goroutine.
package interarea

import (
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/model"
)

// Book is the part of a market the agent acts on.
type Book interface {
	ID() string
	SortedOffers() []model.Offer
	SortedBids() []model.Bid
	Offer(id string) (model.Offer, bool)
	Bid(id string) (model.Bid, bool)
	PlaceOffer(price, energy decimal.Decimal, seller string, attrs map[string]string) (model.Offer, error)
	PlaceBid(price, energy decimal.Decimal, buyer string, attrs map[string]string) (model.Bid, error)
	AcceptOfferAt(offerID, buyer string, energy, rate decimal.Decimal) (model.TradeEvent, error)
	AcceptBidAt(bidID, seller string, energy, rate decimal.Decimal) (model.TradeEvent, error)
	DeleteOffer(offerID string) error
	DeleteBid(bidID string) error
}

// forward pairs an original order with its copy on the other side of the
// edge. Each pair is indexed under both IDs.
type forward struct {
	source, target     Book
	sourceID, targetID string
}

// Agent forwards orders between a lower and a higher market.
type Agent struct {
	name   string
	lower  Book
	higher Book
	minAge int
	logger *slog.Logger

	tick      int
	firstSeen map[string]int
	offers    map[string]*forward
	bids      map[string]*forward
	settling  map[string]bool // source ids this agent is currently buying/selling
}

// Option configures an Agent.
type Option func(*Agent)

// WithMinOfferAge sets how many ticks an order must have been seen before
// it is forwarded. The default is 1.
func WithMinOfferAge(ticks int) Option {
	return func(a *Agent) {
		if ticks >= 0 {
			a.minAge = ticks
		}
	}
}

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// New creates an agent for the edge between lower and higher. The name is
// used as seller/buyer of every forwarded order.
func New(name string, lower, higher Book, opts ...Option) *Agent {
	a := &Agent{
		name:      name,
		lower:     lower,
		higher:    higher,
		minAge:    1,
		logger:    slog.Default(),
		firstSeen: make(map[string]int),
		offers:    make(map[string]*forward),
		bids:      make(map[string]*forward),
		settling:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("agent", name)
	return a
}

func (a *Agent) Name() string { return a.name }
func (a *Agent) Lower() Book  { return a.lower }
func (a *Agent) Higher() Book { return a.higher }

// Tick runs one forwarding pass: stale copies are retracted, then lower
// offers and bids go up and higher offers come down. Orders already
// forwarded are skipped.
func (a *Agent) Tick(tick int) {
	a.tick = tick
	a.retractStale()
	a.forwardOffers(a.lower, a.higher, "up")
	a.forwardOffers(a.higher, a.lower, "down")
	a.forwardBids(a.lower, a.higher, "up")
}

// ForwardedOffer returns the copy of the given original offer.
func (a *Agent) ForwardedOffer(originalID string) (model.Offer, bool) {
	f, ok := a.offers[originalID]
	if !ok || f.sourceID != originalID {
		return model.Offer{}, false
	}
	return f.target.Offer(f.targetID)
}

// ForwardedBid returns the copy of the given original bid.
func (a *Agent) ForwardedBid(originalID string) (model.Bid, bool) {
	f, ok := a.bids[originalID]
	if !ok || f.sourceID != originalID {
		return model.Bid{}, false
	}
	return f.target.Bid(f.targetID)
}

// Counterpart returns the order linked to orderID across the edge: the copy
// of an original, or the original of a copy.
func (a *Agent) Counterpart(orderID string) (string, bool) {
	f, ok := a.offers[orderID]
	if !ok {
		f, ok = a.bids[orderID]
	}
	if !ok {
		return "", false
	}
	if f.sourceID == orderID {
		return f.targetID, true
	}
	return f.sourceID, true
}

// OnTrade reconciles a trade raised by either market.
func (a *Agent) OnTrade(ev model.TradeEvent) {
	if ev.Offer != nil {
		a.reconcileOffer(ev)
	}
	if ev.Bid != nil {
		a.reconcileBid(ev)
	}
}

func (a *Agent) reconcileOffer(ev model.TradeEvent) {
	id := ev.Offer.ID
	f, ok := a.offers[id]
	if !ok || a.settling[id] {
		return
	}
	unlink(a.offers, f)

	if id == f.targetID {
		// The copy was bought: buy the same energy from the original at the
		// rate the copy cleared at.
		a.settling[f.sourceID] = true
		res, err := f.source.AcceptOfferAt(f.sourceID, a.name, ev.Trade.Energy, ev.Trade.Rate)
		delete(a.settling, f.sourceID)
		if err != nil {
			a.race("accept original offer", f.sourceID, err)
			if ev.ResidualOffer != nil {
				a.retract(f.target.DeleteOffer(ev.ResidualOffer.ID), "delete orphaned copy", ev.ResidualOffer.ID)
			}
			return
		}
		switch {
		case ev.ResidualOffer != nil && res.ResidualOffer != nil:
			link(a.offers, &forward{source: f.source, target: f.target,
				sourceID: res.ResidualOffer.ID, targetID: ev.ResidualOffer.ID})
		case ev.ResidualOffer != nil:
			a.retract(f.target.DeleteOffer(ev.ResidualOffer.ID), "delete orphaned copy", ev.ResidualOffer.ID)
		}
		return
	}

	// The original was sold in its own market: the copy is stale.
	a.retract(f.target.DeleteOffer(f.targetID), "delete forwarded offer", f.targetID)
	if res := ev.ResidualOffer; res != nil {
		fwd, err := f.target.PlaceOffer(res.Price, res.Energy, a.name, res.Attributes)
		if err != nil {
			a.race("forward residual offer", res.ID, err)
			return
		}
		link(a.offers, &forward{source: f.source, target: f.target, sourceID: res.ID, targetID: fwd.ID})
		a.firstSeen[res.ID] = a.tick
	}
}

func (a *Agent) reconcileBid(ev model.TradeEvent) {
	id := ev.Bid.ID
	f, ok := a.bids[id]
	if !ok || a.settling[id] {
		return
	}
	unlink(a.bids, f)

	if id == f.targetID {
		// The copy was filled: sell the same energy into the original at the
		// rate the copy cleared at.
		a.settling[f.sourceID] = true
		res, err := f.source.AcceptBidAt(f.sourceID, a.name, ev.Trade.Energy, ev.Trade.Rate)
		delete(a.settling, f.sourceID)
		if err != nil {
			a.race("accept original bid", f.sourceID, err)
			if ev.ResidualBid != nil {
				a.retract(f.target.DeleteBid(ev.ResidualBid.ID), "delete orphaned copy", ev.ResidualBid.ID)
			}
			return
		}
		switch {
		case ev.ResidualBid != nil && res.ResidualBid != nil:
			link(a.bids, &forward{source: f.source, target: f.target,
				sourceID: res.ResidualBid.ID, targetID: ev.ResidualBid.ID})
		case ev.ResidualBid != nil:
			a.retract(f.target.DeleteBid(ev.ResidualBid.ID), "delete orphaned copy", ev.ResidualBid.ID)
		}
		return
	}

	a.retract(f.target.DeleteBid(f.targetID), "delete forwarded bid", f.targetID)
	if res := ev.ResidualBid; res != nil {
		fwd, err := f.target.PlaceBid(res.Price, res.Energy, a.name, res.Attributes)
		if err != nil {
			a.race("forward residual bid", res.ID, err)
			return
		}
		link(a.bids, &forward{source: f.source, target: f.target, sourceID: res.ID, targetID: fwd.ID})
		a.firstSeen[res.ID] = a.tick
	}
}

func (a *Agent) forwardOffers(src, dst Book, direction string) {
	for _, o := range src.SortedOffers() {
		if _, done := a.offers[o.ID]; done || !a.oldEnough(o.ID) {
			continue
		}
		fwd, err := dst.PlaceOffer(o.Price, o.Energy, a.name, o.Attributes)
		if err != nil {
			a.race("forward offer", o.ID, err)
			continue
		}
		link(a.offers, &forward{source: src, target: dst, sourceID: o.ID, targetID: fwd.ID})
		metrics.ForwardedOrders.WithLabelValues("offer", direction).Inc()
	}
}

func (a *Agent) forwardBids(src, dst Book, direction string) {
	for _, b := range src.SortedBids() {
		if _, done := a.bids[b.ID]; done || !a.oldEnough(b.ID) {
			continue
		}
		fwd, err := dst.PlaceBid(b.Price, b.Energy, a.name, b.Attributes)
		if err != nil {
			a.race("forward bid", b.ID, err)
			continue
		}
		link(a.bids, &forward{source: src, target: dst, sourceID: b.ID, targetID: fwd.ID})
		metrics.ForwardedOrders.WithLabelValues("bid", direction).Inc()
	}
}

// retractStale deletes copies whose original left the book without a trade.
func (a *Agent) retractStale() {
	for id, f := range a.offers {
		if id != f.sourceID {
			continue
		}
		if _, open := f.source.Offer(f.sourceID); !open {
			unlink(a.offers, f)
			a.retract(f.target.DeleteOffer(f.targetID), "retract forwarded offer", f.targetID)
		}
	}
	for id, f := range a.bids {
		if id != f.sourceID {
			continue
		}
		if _, open := f.source.Bid(f.sourceID); !open {
			unlink(a.bids, f)
			a.retract(f.target.DeleteBid(f.targetID), "retract forwarded bid", f.targetID)
		}
	}
}

func (a *Agent) oldEnough(id string) bool {
	seen, ok := a.firstSeen[id]
	if !ok {
		a.firstSeen[id] = a.tick
		seen = a.tick
	}
	return a.tick-seen >= a.minAge
}

func (a *Agent) retract(err error, op, id string) {
	if err != nil {
		a.race(op, id, err)
	}
}

// race logs a failed cross-market operation. Orders vanishing or markets
// closing between ticks are expected and only logged at debug level.
func (a *Agent) race(op, id string, err error) {
	if errors.Is(err, market.ErrOfferNotFound) ||
		errors.Is(err, market.ErrBidNotFound) ||
		errors.Is(err, market.ErrMarketClosed) {
		a.logger.Debug("forwarding race", "op", op, "order", id, "err", err)
		metrics.ForwardingRaces.Inc()
		return
	}
	a.logger.Warn("forwarding failed", "op", op, "order", id, "err", err)
}

func link(table map[string]*forward, f *forward) {
	table[f.sourceID] = f
	table[f.targetID] = f
}

func unlink(table map[string]*forward, f *forward) {
	delete(table, f.sourceID)
	delete(table, f.targetID)
}
