// Package matching holds the strategies that pair bids with offers in a
// market. The strategy is chosen once at startup; the simulation calls it
// for every open market on every tick.
package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/model"
)

// Result summarises one matching pass.
type Result struct {
	Trades int
	Energy decimal.Decimal
}

// Matcher proposes pairings for a market and applies them.
type Matcher interface {
	ProposeAndApply(ctx context.Context, areaID string, m *market.Market) (Result, error)
}

// New returns the matcher named by kind: "internal" (pay-as-bid) or
// "external".
func New(kind string, reg Registry) (Matcher, error) {
	switch kind {
	case "", "internal", "pay_as_bid":
		return PayAsBid{}, nil
	case "external":
		if reg == nil {
			return nil, fmt.Errorf("matching: external matcher needs a registry")
		}
		return &External{reg: reg}, nil
	default:
		return nil, fmt.Errorf("matching: unknown matcher %q", kind)
	}
}

// PayAsBid pairs the highest bids with the cheapest offers while the bid's
// unit price covers the offer's. Trades clear at the bid's unit price.
type PayAsBid struct{}

// Propose computes recommendations without applying them.
func (PayAsBid) Propose(m *market.Market) []model.BidOfferMatch {
	bids := m.SortedBids()
	offers := m.SortedOffers()

	offerLeft := make([]decimal.Decimal, len(offers))
	for i, o := range offers {
		offerLeft[i] = o.Energy
	}

	var recs []model.BidOfferMatch
	for _, bid := range bids {
		bidLeft := bid.Energy
		rate := bid.EnergyRate()
		for i, offer := range offers {
			if bidLeft.IsZero() {
				break
			}
			if offer.EnergyRate().GreaterThan(rate) {
				break
			}
			if offerLeft[i].IsZero() || offer.Seller == bid.Buyer {
				continue
			}
			energy := decimal.Min(bidLeft, offerLeft[i])
			recs = append(recs, model.BidOfferMatch{
				MarketID:       m.ID(),
				Bid:            bid,
				Offer:          offer,
				TradeRate:      rate,
				SelectedEnergy: energy,
			})
			bidLeft = bidLeft.Sub(energy)
			offerLeft[i] = offerLeft[i].Sub(energy)
		}
	}
	return recs
}

func (p PayAsBid) ProposeAndApply(ctx context.Context, _ string, m *market.Market) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if m.Readonly() {
		return Result{}, nil
	}

	start := time.Now()
	defer func() {
		metrics.MatchLatency.WithLabelValues("pay_as_bid").Observe(time.Since(start).Seconds())
	}()

	recs := p.Propose(m)
	if len(recs) == 0 {
		return Result{Energy: decimal.Zero}, nil
	}
	if err := m.MatchRecommendation(recs); err != nil {
		return Result{}, fmt.Errorf("matching: apply %d recommendations in %s: %w", len(recs), m.ID(), err)
	}

	res := Result{Trades: len(recs), Energy: decimal.Zero}
	for _, r := range recs {
		res.Energy = res.Energy.Add(r.SelectedEnergy)
	}
	return res, nil
}

// Registry receives the markets an external matcher may act on.
type Registry interface {
	RegisterMarket(areaID string, m *market.Market)
}

// External proposes nothing locally. It exposes every market it is called
// with to the registry; recommendations arrive through the gateway.
type External struct {
	reg Registry
}

// NewExternal returns an external matcher backed by reg.
func NewExternal(reg Registry) *External {
	return &External{reg: reg}
}

// RegisterMarket exposes m before the first matching pass of its slot.
func (e *External) RegisterMarket(areaID string, m *market.Market) {
	e.reg.RegisterMarket(areaID, m)
}

func (e *External) ProposeAndApply(_ context.Context, areaID string, m *market.Market) (Result, error) {
	if !m.Readonly() {
		e.reg.RegisterMarket(areaID, m)
	}
	return Result{Energy: decimal.Zero}, nil
}
