package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/model"
)

// ValidateAuthenticBidOfferPair checks that a recommended pairing may be
// traded in this market: both orders are still open, the selected energy
// fits both, and the trade rate lies between the offer's unit price and
// the bid's unit price.
func (m *Market) ValidateAuthenticBidOfferPair(bid model.Bid, offer model.Offer, tradeRate, selectedEnergy decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	liveBid, ok := m.bids[bid.ID]
	if !ok {
		return fmt.Errorf("%w: bid %s is not open", ErrInvalidBidOfferPair, bid.ID)
	}
	liveOffer, ok := m.offers[offer.ID]
	if !ok {
		return fmt.Errorf("%w: offer %s is not open", ErrInvalidBidOfferPair, offer.ID)
	}
	return checkPair(liveBid, liveOffer, liveBid.Energy, liveOffer.Energy, tradeRate, selectedEnergy)
}

// MatchRecommendation applies a batch of recommendations. The whole batch
// is validated before any trade is committed; if one pair is invalid the
// batch is rejected with ErrInvalidBidOfferPair and the book is unchanged.
//
// An order may appear in several pairs of one batch as long as the energy
// selected against it does not exceed what it holds.
func (m *Market) MatchRecommendation(recommendations []model.BidOfferMatch) error {
	m.mu.Lock()
	if m.readonly {
		m.mu.Unlock()
		return ErrMarketClosed
	}
	if err := m.validateBatchLocked(recommendations); err != nil {
		m.mu.Unlock()
		return err
	}

	// Partial fills re-issue orders under new IDs; later pairs against the
	// same original order must land on its residual.
	liveBid := make(map[string]string)
	liveOffer := make(map[string]string)
	resolve := func(ids map[string]string, id string) string {
		if cur, ok := ids[id]; ok {
			return cur
		}
		return id
	}

	events := make([]model.TradeEvent, 0, len(recommendations))
	for _, rec := range recommendations {
		ev := m.matchLocked(
			resolve(liveBid, rec.Bid.ID),
			resolve(liveOffer, rec.Offer.ID),
			rec.TradeRate, rec.SelectedEnergy,
		)
		if ev.ResidualBid != nil {
			liveBid[rec.Bid.ID] = ev.ResidualBid.ID
		}
		if ev.ResidualOffer != nil {
			liveOffer[rec.Offer.ID] = ev.ResidualOffer.ID
		}
		events = append(events, ev)
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	emit(listeners, events...)
	return nil
}

// ValidateRecommendation runs the batch checks of MatchRecommendation
// without committing anything.
func (m *Market) ValidateRecommendation(recommendations []model.BidOfferMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return ErrMarketClosed
	}
	return m.validateBatchLocked(recommendations)
}

func (m *Market) validateBatchLocked(recommendations []model.BidOfferMatch) error {
	bidLeft := make(map[string]decimal.Decimal)
	offerLeft := make(map[string]decimal.Decimal)

	for i, rec := range recommendations {
		if rec.MarketID != "" && rec.MarketID != m.id {
			return fmt.Errorf("%w: pair %d targets market %s", ErrInvalidBidOfferPair, i, rec.MarketID)
		}
		bid, ok := m.bids[rec.Bid.ID]
		if !ok {
			return fmt.Errorf("%w: pair %d: bid %s is not open", ErrInvalidBidOfferPair, i, rec.Bid.ID)
		}
		offer, ok := m.offers[rec.Offer.ID]
		if !ok {
			return fmt.Errorf("%w: pair %d: offer %s is not open", ErrInvalidBidOfferPair, i, rec.Offer.ID)
		}

		bLeft, seen := bidLeft[bid.ID]
		if !seen {
			bLeft = bid.Energy
		}
		oLeft, seen := offerLeft[offer.ID]
		if !seen {
			oLeft = offer.Energy
		}
		if err := checkPair(bid, offer, bLeft, oLeft, rec.TradeRate, rec.SelectedEnergy); err != nil {
			return fmt.Errorf("pair %d: %w", i, err)
		}
		bidLeft[bid.ID] = bLeft.Sub(rec.SelectedEnergy)
		offerLeft[offer.ID] = oLeft.Sub(rec.SelectedEnergy)
	}
	return nil
}

func checkPair(bid model.Bid, offer model.Offer, bidLeft, offerLeft, tradeRate, selectedEnergy decimal.Decimal) error {
	if selectedEnergy.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: selected energy %s must be positive", ErrInvalidBidOfferPair, selectedEnergy)
	}
	if selectedEnergy.GreaterThan(decimal.Min(bidLeft, offerLeft)) {
		return fmt.Errorf("%w: selected energy %s exceeds available %s",
			ErrInvalidBidOfferPair, selectedEnergy, decimal.Min(bidLeft, offerLeft))
	}
	if tradeRate.LessThan(offer.EnergyRate()) {
		return fmt.Errorf("%w: trade rate %s below offer rate %s",
			ErrInvalidBidOfferPair, tradeRate, offer.EnergyRate())
	}
	if tradeRate.GreaterThan(bid.EnergyRate()) {
		return fmt.Errorf("%w: trade rate %s above bid rate %s",
			ErrInvalidBidOfferPair, tradeRate, bid.EnergyRate())
	}
	return nil
}

// matchLocked commits one validated pair as a single trade carrying both
// order references.
func (m *Market) matchLocked(bidID, offerID string, rate, energy decimal.Decimal) model.TradeEvent {
	bid := m.bids[bidID]
	offer := m.offers[offerID]

	delete(m.bids, bidID)
	delete(m.placed, bidID)
	delete(m.offers, offerID)
	delete(m.placed, offerID)

	ev := model.TradeEvent{Bid: &bid, Offer: &offer}
	if energy.LessThan(offer.Energy) {
		residual := m.residualOffer(offer, energy)
		m.insertOfferLocked(residual)
		ev.ResidualOffer = &residual
	}
	if energy.LessThan(bid.Energy) {
		residual := m.residualBid(bid, energy)
		m.insertBidLocked(residual)
		ev.ResidualBid = &residual
	}
	ev.Trade = m.recordLocked(model.Trade{
		OfferID: offer.ID,
		BidID:   bid.ID,
		Seller:  offer.Seller,
		Buyer:   bid.Buyer,
		Energy:  energy,
		Rate:    rate,
	})
	return ev
}
