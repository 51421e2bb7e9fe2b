package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/model"
)

// Response statuses and messages.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"

	MsgValidationError = "Validation Error"
	MsgShuttingDown    = "Simulation shutting down"
	MsgInternalError   = "Internal Error"
)

// Lifecycle event names.
const (
	EventTick   = "tick"
	EventMarket = "market"
	EventFinish = "finish"
)

// Topics for one simulation run.
type Topics struct {
	Discovery         string
	DiscoveryResponse string

	OffersBids         string
	OffersBidsResponse string

	Recommendations        string
	RecommendationResponse string

	Events string
}

// DiscoveryTopic is shared by every running simulation.
const DiscoveryTopic = "external-matching/get-simulation-id"

// TopicsFor returns the topic set namespaced by simulationID.
func TopicsFor(simulationID string) Topics {
	prefix := "external-matching/" + simulationID
	return Topics{
		Discovery:              DiscoveryTopic,
		DiscoveryResponse:      DiscoveryTopic + "/response",
		OffersBids:             prefix + "/offers-bids/",
		OffersBidsResponse:     prefix + "/response/offers-bids/",
		Recommendations:        prefix + "/post-recommendations/",
		RecommendationResponse: prefix + "/response/matched-recommendations/",
		Events:                 prefix + "/response/events/",
	}
}

type discoveryResponse struct {
	SimulationID string `json:"simulation_id"`
}

type snapshotRequest struct {
	Filters struct {
		Markets    []string `json:"markets,omitempty"`
		EnergyType string   `json:"energy_type,omitempty"`
	} `json:"filters"`
}

type snapshotResponse struct {
	Event      string                    `json:"event"`
	BidsOffers map[string]MarketSnapshot `json:"bids_offers"`
}

// MarketSnapshot holds the open orders of one market.
type MarketSnapshot struct {
	Bids   []OrderRecord `json:"bids"`
	Offers []OrderRecord `json:"offers"`
}

// OrderRecord is the serialized form of an offer or bid.
type OrderRecord struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Price      decimal.Decimal   `json:"price"`
	Energy     decimal.Decimal   `json:"energy"`
	EnergyRate decimal.Decimal   `json:"energy_rate"`
	Seller     string            `json:"seller,omitempty"`
	Buyer      string            `json:"buyer,omitempty"`
	MarketID   string            `json:"market_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func offerRecord(o model.Offer) OrderRecord {
	return OrderRecord{
		Type:       "Offer",
		ID:         o.ID,
		Price:      o.Price,
		Energy:     o.Energy,
		EnergyRate: o.EnergyRate(),
		Seller:     o.Seller,
		MarketID:   o.MarketID,
		Attributes: o.Attributes,
	}
}

func bidRecord(b model.Bid) OrderRecord {
	return OrderRecord{
		Type:       "Bid",
		ID:         b.ID,
		Price:      b.Price,
		Energy:     b.Energy,
		EnergyRate: b.EnergyRate(),
		Buyer:      b.Buyer,
		MarketID:   b.MarketID,
		Attributes: b.Attributes,
	}
}

// OrderRef identifies an order in a recommendation.
type OrderRef struct {
	ID string `json:"id"`
}

// Recommendation is one submitted bid/offer pairing.
type Recommendation struct {
	MarketID       string          `json:"market_id"`
	Bid            OrderRef        `json:"bid"`
	Offer          OrderRef        `json:"offer"`
	TradeRate      decimal.Decimal `json:"trade_rate"`
	SelectedEnergy decimal.Decimal `json:"selected_energy"`
}

type recommendationRequest struct {
	RecommendedMatches []Recommendation `json:"recommended_matches"`
}

type matchResponse struct {
	Event   string `json:"event"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type lifecycleEvent struct {
	Event string `json:"event"`
}
