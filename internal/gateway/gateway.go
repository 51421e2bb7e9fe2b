// Package gateway exposes the simulation's markets to an external matching
// client over pub/sub topics. It answers discovery and snapshot requests,
// applies submitted recommendation batches all-or-nothing, and publishes
// lifecycle events.
//
// The gateway is an actor: Run consumes the inbox on its own goroutine and
// hands every request to an Executor, so request handling never overlaps
// with simulation ticks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/model"
	"github.com/dog-ball/gsy-e/internal/pubsub"
)

// Executor runs fn with exclusive access to the markets.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Direct runs fn on the calling goroutine.
type Direct struct{}

func (Direct) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

// Gateway serves one simulation run.
type Gateway struct {
	simulationID string
	topics       Topics
	transport    pubsub.Transport
	exec         Executor
	links        Links
	logger       *slog.Logger

	mu          sync.Mutex
	areaMarkets map[string]*market.Market // area id -> current market
	markets     map[string]*market.Market // market id -> market

	stopping atomic.Bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithExecutor sets the executor that request handlers run on. The
// default is Direct.
func WithExecutor(e Executor) Option {
	return func(g *Gateway) { g.exec = e }
}

// Links resolves orders forwarded across market edges.
type Links interface {
	Counterparts(orderID string) []string
}

// WithLinks sets the lookup used to reject batches that touch an original
// and its forwarded copy in different markets.
func WithLinks(l Links) Option {
	return func(g *Gateway) { g.links = l }
}

// New creates a gateway for the given simulation.
func New(simulationID string, t pubsub.Transport, opts ...Option) *Gateway {
	g := &Gateway{
		simulationID: simulationID,
		topics:       TopicsFor(simulationID),
		transport:    t,
		exec:         Direct{},
		logger:       slog.Default(),
		areaMarkets:  make(map[string]*market.Market),
		markets:      make(map[string]*market.Market),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway", "simulation_id", simulationID)
	return g
}

// Topics returns the topic set this gateway serves.
func (g *Gateway) Topics() Topics { return g.topics }

// RegisterMarket makes m the current market of areaID. Markets of earlier
// slots that have closed are dropped from the mapping.
func (g *Gateway) RegisterMarket(areaID string, m *market.Market) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.areaMarkets[areaID]; ok && prev != m && prev.Readonly() {
		delete(g.markets, prev.ID())
	}
	g.areaMarkets[areaID] = m
	g.markets[m.ID()] = m
}

// Shutdown makes the gateway refuse further recommendation batches.
// Batches already being applied complete.
func (g *Gateway) Shutdown() {
	g.stopping.Store(true)
}

// Run subscribes to the request topics and serves them until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	inbox, err := g.transport.Subscribe(ctx, g.topics.Discovery, g.topics.OffersBids, g.topics.Recommendations)
	if err != nil {
		return fmt.Errorf("gateway: subscribe: %w", err)
	}
	g.logger.Info("gateway listening")

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gateway stopped")
			return nil
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			g.handle(ctx, msg)
		}
	}
}

// handle dispatches one message. Panics are contained here so a faulty
// request never stops the gateway.
func (g *Gateway) handle(ctx context.Context, msg pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("request handler panicked", "topic", msg.Topic, "panic", r)
			if msg.Topic == g.topics.Recommendations {
				g.respondMatch(ctx, StatusFail, MsgInternalError)
			}
		}
	}()

	switch msg.Topic {
	case g.topics.Discovery:
		g.publish(ctx, g.topics.DiscoveryResponse, discoveryResponse{SimulationID: g.simulationID})
	case g.topics.OffersBids:
		g.handleSnapshot(ctx, msg.Payload)
	case g.topics.Recommendations:
		g.handleRecommendations(ctx, msg.Payload)
	default:
		g.logger.Warn("message on unknown topic", "topic", msg.Topic)
	}
}

func (g *Gateway) handleSnapshot(ctx context.Context, payload []byte) {
	var req snapshotRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			g.logger.Warn("invalid snapshot request", "err", err)
		}
	}

	resp := snapshotResponse{Event: "offers_bids_response", BidsOffers: map[string]MarketSnapshot{}}
	err := g.exec.Do(ctx, func() {
		resp.BidsOffers = g.Snapshot(req.Filters.Markets, req.Filters.EnergyType)
	})
	if err != nil {
		g.logger.Warn("snapshot not served", "err", err)
	}
	g.publish(ctx, g.topics.OffersBidsResponse, resp)
}

// Snapshot returns the open bids and offers of the current markets, keyed
// by market id. A non-empty areas list limits the result to those areas;
// a non-empty energyType keeps only offers tagged with it.
func (g *Gateway) Snapshot(areas []string, energyType string) map[string]MarketSnapshot {
	want := make(map[string]bool, len(areas))
	for _, a := range areas {
		want[a] = true
	}

	g.mu.Lock()
	current := make(map[string]*market.Market, len(g.areaMarkets))
	for areaID, m := range g.areaMarkets {
		current[areaID] = m
	}
	g.mu.Unlock()

	out := make(map[string]MarketSnapshot)
	for areaID, m := range current {
		if len(want) > 0 && !want[areaID] {
			continue
		}
		bids, offers := m.OpenBidsAndOffers()
		snap := MarketSnapshot{Bids: []OrderRecord{}, Offers: []OrderRecord{}}
		for _, b := range bids {
			snap.Bids = append(snap.Bids, bidRecord(b))
		}
		for _, o := range offers {
			if energyType != "" && o.Attributes[model.AttrEnergyType] != energyType {
				continue
			}
			snap.Offers = append(snap.Offers, offerRecord(o))
		}
		out[m.ID()] = snap
	}
	return out
}

func (g *Gateway) handleRecommendations(ctx context.Context, payload []byte) {
	if g.stopping.Load() {
		g.respondMatch(ctx, StatusFail, MsgShuttingDown)
		return
	}

	var req recommendationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		g.logger.Warn("invalid recommendation payload", "err", err)
		g.respondMatch(ctx, StatusFail, MsgValidationError)
		return
	}

	var applyErr error
	var panicked any
	err := g.exec.Do(ctx, func() {
		defer func() { panicked = recover() }()
		applyErr = g.Apply(req.RecommendedMatches)
	})

	switch {
	case err != nil:
		g.logger.Warn("recommendations not applied", "err", err)
		g.respondMatch(ctx, StatusFail, MsgShuttingDown)
	case panicked != nil:
		g.logger.Error("applying recommendations panicked", "panic", panicked)
		g.respondMatch(ctx, StatusFail, MsgInternalError)
	case errors.Is(applyErr, market.ErrInvalidBidOfferPair):
		g.logger.Info("recommendation batch rejected", "err", applyErr)
		g.respondMatch(ctx, StatusFail, MsgValidationError)
	case applyErr != nil:
		g.logger.Error("applying recommendations failed", "err", applyErr)
		g.respondMatch(ctx, StatusFail, MsgInternalError)
	default:
		g.respondMatch(ctx, StatusSuccess, "")
	}
}

// Apply validates a whole batch across every market it touches and, only
// if every pair passes, commits it. Records for unknown or closed markets
// are skipped. A batch that names both an original and one of its
// forwarded copies is rejected: committing one settles or retracts the
// other.
func (g *Gateway) Apply(recs []Recommendation) error {
	type group struct {
		m       *market.Market
		matches []model.BidOfferMatch
	}
	var order []*group
	byMarket := make(map[string]*group)
	owner := make(map[string]string) // order id -> market id

	for i, r := range recs {
		g.mu.Lock()
		m, ok := g.markets[r.MarketID]
		g.mu.Unlock()
		if !ok || m.Readonly() {
			g.logger.Debug("skipping recommendation for closed or unknown market", "market", r.MarketID)
			continue
		}

		bid, okBid := m.Bid(r.Bid.ID)
		offer, okOffer := m.Offer(r.Offer.ID)
		if !okBid || !okOffer {
			return fmt.Errorf("%w: record %d: bid %q or offer %q is not open in %s",
				market.ErrInvalidBidOfferPair, i, r.Bid.ID, r.Offer.ID, r.MarketID)
		}

		grp, ok := byMarket[r.MarketID]
		if !ok {
			grp = &group{m: m}
			byMarket[r.MarketID] = grp
			order = append(order, grp)
		}
		grp.matches = append(grp.matches, model.BidOfferMatch{
			MarketID:       r.MarketID,
			Bid:            bid,
			Offer:          offer,
			TradeRate:      r.TradeRate,
			SelectedEnergy: r.SelectedEnergy,
		})
		owner[bid.ID] = r.MarketID
		owner[offer.ID] = r.MarketID
	}

	if err := g.checkLinks(owner); err != nil {
		return err
	}
	for _, grp := range order {
		if err := grp.m.ValidateRecommendation(grp.matches); err != nil {
			return err
		}
	}
	for _, grp := range order {
		if err := grp.m.MatchRecommendation(grp.matches); err != nil {
			if errors.Is(err, market.ErrMarketClosed) {
				continue
			}
			return fmt.Errorf("gateway: apply to %s: %w", grp.m.ID(), err)
		}
	}
	return nil
}

// checkLinks walks every chain of forwarded copies reachable from the
// batch's orders and fails if the chain reaches another order of the batch.
func (g *Gateway) checkLinks(owner map[string]string) error {
	if g.links == nil {
		return nil
	}
	for id, marketID := range owner {
		seen := map[string]bool{id: true}
		queue := []string{id}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range g.links.Counterparts(cur) {
				if seen[next] {
					continue
				}
				seen[next] = true
				if other, ok := owner[next]; ok {
					return fmt.Errorf("%w: order %q in %s is linked to order %q in %s",
						market.ErrInvalidBidOfferPair, id, marketID, next, other)
				}
				queue = append(queue, next)
			}
		}
	}
	return nil
}

// PublishTick announces a simulation tick.
func (g *Gateway) PublishTick(ctx context.Context) { g.publishEvent(ctx, EventTick) }

// PublishMarket announces a new market cycle.
func (g *Gateway) PublishMarket(ctx context.Context) { g.publishEvent(ctx, EventMarket) }

// PublishFinish announces the end of the simulation.
func (g *Gateway) PublishFinish(ctx context.Context) { g.publishEvent(ctx, EventFinish) }

func (g *Gateway) publishEvent(ctx context.Context, event string) {
	g.publish(ctx, g.topics.Events, lifecycleEvent{Event: event})
}

func (g *Gateway) respondMatch(ctx context.Context, status, message string) {
	metrics.RecommendationBatches.WithLabelValues(status).Inc()
	g.publish(ctx, g.topics.RecommendationResponse, matchResponse{Event: "match", Status: status, Message: message})
}

func (g *Gateway) publish(ctx context.Context, topic string, v any) {
	if err := pubsub.PublishJSON(ctx, g.transport, topic, v); err != nil {
		g.logger.Error("publish failed", "topic", topic, "err", err)
	}
}
