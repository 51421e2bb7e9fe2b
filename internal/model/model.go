// Package model defines the core domain types shared across the simulator.
// All prices, rates and energies use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AttrEnergyType is the offer attribute key the external matcher filters on.
const AttrEnergyType = "energy_type"

// Offer is an open sell order. Price is the total price for Energy; the
// unit price is EnergyRate. Offers are immutable: a partial acceptance
// replaces an offer with a residual carrying a new ID.
type Offer struct {
	ID         string            `json:"id"`
	Price      decimal.Decimal   `json:"price"`
	Energy     decimal.Decimal   `json:"energy"`
	Seller     string            `json:"seller"`
	MarketID   string            `json:"market_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EnergyRate returns the unit price of the offer.
func (o Offer) EnergyRate() decimal.Decimal {
	return rate(o.Price, o.Energy)
}

// Bid is an open buy order, mirroring Offer with a buyer instead of a seller.
type Bid struct {
	ID         string            `json:"id"`
	Price      decimal.Decimal   `json:"price"`
	Energy     decimal.Decimal   `json:"energy"`
	Buyer      string            `json:"buyer"`
	MarketID   string            `json:"market_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EnergyRate returns the unit price of the bid.
func (b Bid) EnergyRate() decimal.Decimal {
	return rate(b.Price, b.Energy)
}

func rate(price, energy decimal.Decimal) decimal.Decimal {
	if energy.IsZero() {
		return decimal.Zero
	}
	return price.Div(energy)
}

// Trade is an immutable ledger record. Once created it is never modified
// or deleted. OfferID or BidID is empty when the trade was a direct accept
// of one side only.
type Trade struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	MarketID  string          `json:"market_id"`
	AreaID    string          `json:"area_id"`
	OfferID   string          `json:"offer_id,omitempty"`
	BidID     string          `json:"bid_id,omitempty"`
	Seller    string          `json:"seller"`
	Buyer     string          `json:"buyer"`
	Energy    decimal.Decimal `json:"energy"`
	Rate      decimal.Decimal `json:"rate"`
}

// Price returns the total settled price of the trade.
func (t Trade) Price() decimal.Decimal {
	return t.Rate.Mul(t.Energy)
}

// TradeEvent is emitted by a market after a trade is committed. Offer and
// Bid are the orders as they were before the trade; the residuals are set
// only when the trade consumed part of the order.
type TradeEvent struct {
	Trade         Trade  `json:"trade"`
	Offer         *Offer `json:"offer,omitempty"`
	Bid           *Bid   `json:"bid,omitempty"`
	ResidualOffer *Offer `json:"residual_offer,omitempty"`
	ResidualBid   *Bid   `json:"residual_bid,omitempty"`
}

// BidOfferMatch is a candidate pairing awaiting validation.
type BidOfferMatch struct {
	MarketID       string          `json:"market_id"`
	Bid            Bid             `json:"bid"`
	Offer          Offer           `json:"offer"`
	TradeRate      decimal.Decimal `json:"trade_rate"`
	SelectedEnergy decimal.Decimal `json:"selected_energy"`
}

// MarketSummary aggregates one closed (or running) market slot.
type MarketSummary struct {
	MarketID     string          `json:"market_id"`
	AreaID       string          `json:"area_id"`
	TimeSlot     time.Time       `json:"time_slot"`
	TradeCount   int             `json:"trade_count"`
	TradedEnergy decimal.Decimal `json:"traded_energy"`
	MinRate      decimal.Decimal `json:"min_rate"`
	AvgRate      decimal.Decimal `json:"avg_rate"`
	MaxRate      decimal.Decimal `json:"max_rate"`
	Readonly     bool            `json:"readonly"`
}
