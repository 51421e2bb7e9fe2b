// Package api provides the HTTP handlers for inspecting a running
// simulation and for submitting orders into its markets.
//
// All prices, rates and energies use shopspring/decimal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/area"
	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/model"
	"github.com/dog-ball/gsy-e/internal/store"
)

// Simulation is the part of a run the API reads and submits to.
type Simulation interface {
	Tree() *area.Tree
	Market(areaID string) (*market.Market, bool)
	Markets() map[string]*market.Market
	Progress() (slot, tick int, running bool)
	Do(ctx context.Context, fn func()) error
}

// Service serves the HTTP API. Order submission runs through the
// simulation's Do so it never interleaves with a tick.
type Service struct {
	sim   Simulation
	store store.Store
}

// NewService creates a new API service.
func NewService(sim Simulation, st store.Store) *Service {
	return &Service{sim: sim, store: st}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/status", s.GetStatus)
	r.Get("/areas", s.ListAreas)
	r.Get("/areas/{areaID}/market", s.GetMarket)
	r.Get("/areas/{areaID}/trades", s.GetAreaTrades)
	r.Get("/areas/{areaID}/summaries", s.GetAreaSummaries)
	r.Post("/areas/{areaID}/offers", s.PlaceOffer)
	r.Post("/areas/{areaID}/bids", s.PlaceBid)
	r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
	r.Get("/markets/{marketID}/summary", s.GetMarketSummary)
	r.Get("/stats", s.GetStats)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for placing an offer or a bid. Rate is the
// unit price; the order's total price is Rate * Energy.
type OrderRequest struct {
	Energy     decimal.Decimal   `json:"energy"`
	Rate       decimal.Decimal   `json:"rate"`
	Seller     string            `json:"seller,omitempty"` // offers
	Buyer      string            `json:"buyer,omitempty"`  // bids
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AreaResponse describes one area of the hierarchy.
type AreaResponse struct {
	Name     string   `json:"name"`
	Parent   string   `json:"parent,omitempty"`
	Depth    int      `json:"depth"`
	Children []string `json:"children"`
	MarketID string   `json:"market_id,omitempty"`
}

// MarketResponse is the open book of an area's current market. Offers are
// sorted by ascending rate, bids by descending rate.
type MarketResponse struct {
	ID       string        `json:"id"`
	AreaID   string        `json:"area_id"`
	TimeSlot time.Time     `json:"time_slot"`
	Readonly bool          `json:"readonly"`
	Offers   []model.Offer `json:"offers"`
	Bids     []model.Bid   `json:"bids"`
}

// StatusResponse reports where the run is.
type StatusResponse struct {
	Slot    int  `json:"slot"`
	Tick    int  `json:"tick"`
	Running bool `json:"running"`
}

// StatsResponse holds traded energy per area: Local counts the area's own
// market, Subtree adds every market below it.
type StatsResponse struct {
	Local   map[string]decimal.Decimal `json:"local"`
	Subtree map[string]decimal.Decimal `json:"subtree"`
}

// --- HTTP Handlers ---

// GetStatus handles GET /api/v1/status
func (s *Service) GetStatus(w http.ResponseWriter, _ *http.Request) {
	slot, tick, running := s.sim.Progress()
	writeJSON(w, http.StatusOK, StatusResponse{Slot: slot, Tick: tick, Running: running})
}

// ListAreas handles GET /api/v1/areas
func (s *Service) ListAreas(w http.ResponseWriter, _ *http.Request) {
	tree := s.sim.Tree()
	markets := s.sim.Markets()

	areas := make([]AreaResponse, 0, tree.Len())
	tree.Walk(func(n area.Node, depth int) bool {
		a := AreaResponse{Name: n.Name, Depth: depth, Children: make([]string, 0, len(n.Children))}
		if n.Parent != area.NoParent {
			a.Parent = tree.Node(n.Parent).Name
		}
		for _, c := range n.Children {
			a.Children = append(a.Children, tree.Node(c).Name)
		}
		if m, ok := markets[n.Name]; ok {
			a.MarketID = m.ID()
		}
		areas = append(areas, a)
		return true
	})

	writeJSON(w, http.StatusOK, areas)
}

// GetMarket handles GET /api/v1/areas/{areaID}/market
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.sim.Market(chi.URLParam(r, "areaID"))
	if !ok {
		writeError(w, "area has no open market", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, MarketResponse{
		ID:       m.ID(),
		AreaID:   m.AreaID(),
		TimeSlot: m.TimeSlot(),
		Readonly: m.Readonly(),
		Offers:   m.SortedOffers(),
		Bids:     m.SortedBids(),
	})
}

// PlaceOffer handles POST /api/v1/areas/{areaID}/offers
func (s *Service) PlaceOffer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	if req.Seller == "" {
		writeError(w, "seller is required", http.StatusBadRequest)
		return
	}

	var offer model.Offer
	s.place(w, r, func(m *market.Market) error {
		var err error
		offer, err = m.PlaceOffer(req.Rate.Mul(req.Energy), req.Energy, req.Seller, req.Attributes)
		return err
	}, func() {
		slog.Info("offer placed", "offer", offer.ID, "market", offer.MarketID, "seller", offer.Seller,
			"energy", offer.Energy.String(), "rate", req.Rate.String())
		writeJSON(w, http.StatusCreated, offer)
	})
}

// PlaceBid handles POST /api/v1/areas/{areaID}/bids
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeOrder(w, r)
	if !ok {
		return
	}
	if req.Buyer == "" {
		writeError(w, "buyer is required", http.StatusBadRequest)
		return
	}

	var bid model.Bid
	s.place(w, r, func(m *market.Market) error {
		var err error
		bid, err = m.PlaceBid(req.Rate.Mul(req.Energy), req.Energy, req.Buyer, req.Attributes)
		return err
	}, func() {
		slog.Info("bid placed", "bid", bid.ID, "market", bid.MarketID, "buyer", bid.Buyer,
			"energy", bid.Energy.String(), "rate", req.Rate.String())
		writeJSON(w, http.StatusCreated, bid)
	})
}

// place runs fn against the area's current market on the simulation
// goroutine and maps its outcome to a response.
func (s *Service) place(w http.ResponseWriter, r *http.Request, fn func(*market.Market) error, created func()) {
	areaID := chi.URLParam(r, "areaID")

	found := false
	var err error
	doErr := s.sim.Do(r.Context(), func() {
		m, ok := s.sim.Market(areaID)
		if !ok {
			return
		}
		found = true
		err = fn(m)
	})

	switch {
	case doErr != nil:
		writeError(w, "simulation is not accepting orders", http.StatusServiceUnavailable)
	case !found:
		writeError(w, "area has no open market", http.StatusNotFound)
	case errors.Is(err, market.ErrMarketClosed):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, market.ErrInvalidOrder):
		writeError(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		writeError(w, "failed to place order", http.StatusInternalServerError)
	default:
		created()
	}
}

// GetAreaTrades handles GET /api/v1/areas/{areaID}/trades
func (s *Service) GetAreaTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByArea(r.Context(), chi.URLParam(r, "areaID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetAreaSummaries handles GET /api/v1/areas/{areaID}/summaries
func (s *Service) GetAreaSummaries(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.MarketSummariesByArea(r.Context(), chi.URLParam(r, "areaID"))
	if err != nil {
		writeError(w, "failed to load summaries", http.StatusInternalServerError)
		return
	}
	if sums == nil {
		sums = []model.MarketSummary{}
	}
	writeJSON(w, http.StatusOK, sums)
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, "failed to load trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetMarketSummary handles GET /api/v1/markets/{marketID}/summary
// Markets of the running slot are summarised live; closed ones come from
// the store.
func (s *Service) GetMarketSummary(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	for _, m := range s.sim.Markets() {
		if m.ID() == marketID {
			writeJSON(w, http.StatusOK, m.Summary())
			return
		}
	}

	sum, err := s.store.GetMarketSummary(r.Context(), marketID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetStats handles GET /api/v1/stats
// Returns traded energy per area, locally and summed over each subtree.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tree := s.sim.Tree()

	local := make(map[string]decimal.Decimal)
	for _, n := range tree.MarketAreas() {
		trades, err := s.store.TradesByArea(ctx, n.Name)
		if err != nil {
			writeError(w, "failed to load trades", http.StatusInternalServerError)
			return
		}
		total := decimal.Zero
		for _, t := range trades {
			total = total.Add(t.Energy)
		}
		local[n.Name] = total
	}

	writeJSON(w, http.StatusOK, StatsResponse{Local: local, Subtree: tree.Aggregate(local)})
}

func decodeOrder(w http.ResponseWriter, r *http.Request) (OrderRequest, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if !req.Energy.IsPositive() {
		writeError(w, "energy must be positive", http.StatusBadRequest)
		return req, false
	}
	if req.Rate.IsNegative() {
		writeError(w, "rate must not be negative", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
