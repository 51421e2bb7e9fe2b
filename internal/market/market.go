// Package market implements the per-slot order book every other component
// settles against: open offers and bids, the immutable trade ledger, and
// the readonly flag set when the slot closes.
//
// All prices, rates and energies use shopspring/decimal.
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/model"
)

var (
	// ErrInvalidOrder is returned for malformed order parameters.
	ErrInvalidOrder = errors.New("market: invalid order")

	// ErrOfferNotFound is returned when an offer was already traded,
	// deleted or never existed in this market.
	ErrOfferNotFound = errors.New("market: offer not found")

	// ErrBidNotFound is the bid counterpart of ErrOfferNotFound.
	ErrBidNotFound = errors.New("market: bid not found")

	// ErrMarketClosed is returned for any mutation of a readonly market.
	ErrMarketClosed = errors.New("market: market is closed")

	// ErrInvalidBidOfferPair is returned when a recommendation fails
	// validation. A batch containing one is never partially applied.
	ErrInvalidBidOfferPair = errors.New("market: invalid bid offer pair")
)

// Listener receives trade events after they are committed. Listeners run
// synchronously on the goroutine that caused the trade, after the market's
// lock has been released, so they may call back into any market.
type Listener interface {
	OnTrade(ev model.TradeEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev model.TradeEvent)

// OnTrade calls f(ev).
func (f ListenerFunc) OnTrade(ev model.TradeEvent) { f(ev) }

// Market is the order book for one area and one time slot.
type Market struct {
	id       string
	areaID   string
	timeSlot time.Time
	now      func() time.Time

	mu        sync.Mutex
	readonly  bool
	seq       uint64
	placed    map[string]uint64 // order id -> insertion sequence
	offers    map[string]model.Offer
	bids      map[string]model.Bid
	trades    []model.Trade
	listeners []Listener
}

// Option configures a Market.
type Option func(*Market)

// WithID overrides the generated market ID.
func WithID(id string) Option {
	return func(m *Market) { m.id = id }
}

// WithClock overrides the clock used for trade timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// New creates an open market for the given area and slot.
func New(areaID string, timeSlot time.Time, opts ...Option) *Market {
	m := &Market{
		id:       uuid.NewString(),
		areaID:   areaID,
		timeSlot: timeSlot,
		now:      func() time.Time { return time.Now().UTC() },
		placed:   make(map[string]uint64),
		offers:   make(map[string]model.Offer),
		bids:     make(map[string]model.Bid),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Market) ID() string          { return m.id }
func (m *Market) AreaID() string      { return m.areaID }
func (m *Market) TimeSlot() time.Time { return m.timeSlot }

// Readonly reports whether the slot has closed.
func (m *Market) Readonly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readonly
}

// Close marks the market readonly. It is irreversible.
func (m *Market) Close() {
	m.mu.Lock()
	m.readonly = true
	m.mu.Unlock()
}

// Subscribe registers a listener for trade events.
func (m *Market) Subscribe(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// PlaceOffer inserts a new open offer.
func (m *Market) PlaceOffer(price, energy decimal.Decimal, seller string, attrs map[string]string) (model.Offer, error) {
	if err := checkOrder(price, energy); err != nil {
		return model.Offer{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return model.Offer{}, ErrMarketClosed
	}

	o := model.Offer{
		ID:         uuid.NewString(),
		Price:      price,
		Energy:     energy,
		Seller:     seller,
		MarketID:   m.id,
		Attributes: copyAttrs(attrs),
	}
	m.insertOfferLocked(o)
	return o, nil
}

// PlaceBid inserts a new open bid.
func (m *Market) PlaceBid(price, energy decimal.Decimal, buyer string, attrs map[string]string) (model.Bid, error) {
	if err := checkOrder(price, energy); err != nil {
		return model.Bid{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return model.Bid{}, ErrMarketClosed
	}

	b := model.Bid{
		ID:         uuid.NewString(),
		Price:      price,
		Energy:     energy,
		Buyer:      buyer,
		MarketID:   m.id,
		Attributes: copyAttrs(attrs),
	}
	m.insertBidLocked(b)
	return b, nil
}

// AcceptOffer buys energy from an open offer at the offer's unit price.
// A zero energy buys the whole offer. Buying less than the offer's energy
// replaces it with a residual offer under a new ID.
func (m *Market) AcceptOffer(offerID, buyer string, energy decimal.Decimal) (model.TradeEvent, error) {
	return m.acceptOffer(offerID, buyer, energy, decimal.NullDecimal{})
}

// AcceptOfferAt is AcceptOffer at the given unit rate, which must not be
// below the offer's.
func (m *Market) AcceptOfferAt(offerID, buyer string, energy, rate decimal.Decimal) (model.TradeEvent, error) {
	return m.acceptOffer(offerID, buyer, energy, decimal.NewNullDecimal(rate))
}

func (m *Market) acceptOffer(offerID, buyer string, energy decimal.Decimal, rate decimal.NullDecimal) (model.TradeEvent, error) {
	m.mu.Lock()
	if m.readonly {
		m.mu.Unlock()
		return model.TradeEvent{}, ErrMarketClosed
	}
	offer, ok := m.offers[offerID]
	if !ok {
		m.mu.Unlock()
		return model.TradeEvent{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	if energy.IsZero() {
		energy = offer.Energy
	}
	if energy.IsNegative() || energy.GreaterThan(offer.Energy) {
		m.mu.Unlock()
		return model.TradeEvent{}, fmt.Errorf("%w: energy %s outside (0, %s]", ErrInvalidOrder, energy, offer.Energy)
	}
	tradeRate := offer.EnergyRate()
	if rate.Valid {
		if rate.Decimal.LessThan(tradeRate) {
			m.mu.Unlock()
			return model.TradeEvent{}, fmt.Errorf("%w: rate %s below offer rate %s", ErrInvalidOrder, rate.Decimal, tradeRate)
		}
		tradeRate = rate.Decimal
	}

	delete(m.offers, offerID)
	delete(m.placed, offerID)
	ev := model.TradeEvent{Offer: &offer}
	if energy.LessThan(offer.Energy) {
		residual := m.residualOffer(offer, energy)
		m.insertOfferLocked(residual)
		ev.ResidualOffer = &residual
	}
	ev.Trade = m.recordLocked(model.Trade{
		OfferID: offer.ID,
		Seller:  offer.Seller,
		Buyer:   buyer,
		Energy:  energy,
		Rate:    tradeRate,
	})
	listeners := m.listenersLocked()
	m.mu.Unlock()

	emit(listeners, ev)
	return ev, nil
}

// AcceptBid sells energy into an open bid at the bid's unit price.
// A zero energy fills the whole bid.
func (m *Market) AcceptBid(bidID, seller string, energy decimal.Decimal) (model.TradeEvent, error) {
	return m.acceptBid(bidID, seller, energy, decimal.NullDecimal{})
}

// AcceptBidAt is AcceptBid at the given unit rate, which must not exceed
// the bid's.
func (m *Market) AcceptBidAt(bidID, seller string, energy, rate decimal.Decimal) (model.TradeEvent, error) {
	return m.acceptBid(bidID, seller, energy, decimal.NewNullDecimal(rate))
}

func (m *Market) acceptBid(bidID, seller string, energy decimal.Decimal, rate decimal.NullDecimal) (model.TradeEvent, error) {
	m.mu.Lock()
	if m.readonly {
		m.mu.Unlock()
		return model.TradeEvent{}, ErrMarketClosed
	}
	bid, ok := m.bids[bidID]
	if !ok {
		m.mu.Unlock()
		return model.TradeEvent{}, fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
	}
	if energy.IsZero() {
		energy = bid.Energy
	}
	if energy.IsNegative() || energy.GreaterThan(bid.Energy) {
		m.mu.Unlock()
		return model.TradeEvent{}, fmt.Errorf("%w: energy %s outside (0, %s]", ErrInvalidOrder, energy, bid.Energy)
	}
	tradeRate := bid.EnergyRate()
	if rate.Valid {
		if rate.Decimal.GreaterThan(tradeRate) {
			m.mu.Unlock()
			return model.TradeEvent{}, fmt.Errorf("%w: rate %s above bid rate %s", ErrInvalidOrder, rate.Decimal, tradeRate)
		}
		tradeRate = rate.Decimal
	}

	delete(m.bids, bidID)
	delete(m.placed, bidID)
	ev := model.TradeEvent{Bid: &bid}
	if energy.LessThan(bid.Energy) {
		residual := m.residualBid(bid, energy)
		m.insertBidLocked(residual)
		ev.ResidualBid = &residual
	}
	ev.Trade = m.recordLocked(model.Trade{
		BidID:  bid.ID,
		Seller: seller,
		Buyer:  bid.Buyer,
		Energy: energy,
		Rate:   tradeRate,
	})
	listeners := m.listenersLocked()
	m.mu.Unlock()

	emit(listeners, ev)
	return ev, nil
}

// DeleteOffer removes an open offer without trading it. Deleting an offer
// that is already gone is a no-op.
func (m *Market) DeleteOffer(offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return ErrMarketClosed
	}
	delete(m.offers, offerID)
	delete(m.placed, offerID)
	return nil
}

// DeleteBid removes an open bid without trading it. Deleting a bid that is
// already gone is a no-op.
func (m *Market) DeleteBid(bidID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readonly {
		return ErrMarketClosed
	}
	delete(m.bids, bidID)
	delete(m.placed, bidID)
	return nil
}

// Offer returns the open offer with the given ID.
func (m *Market) Offer(id string) (model.Offer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	return o, ok
}

// Bid returns the open bid with the given ID.
func (m *Market) Bid(id string) (model.Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	return b, ok
}

// Offers returns a copy of the open offers keyed by ID.
func (m *Market) Offers() map[string]model.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Offer, len(m.offers))
	for id, o := range m.offers {
		out[id] = o
	}
	return out
}

// Bids returns a copy of the open bids keyed by ID.
func (m *Market) Bids() map[string]model.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Bid, len(m.bids))
	for id, b := range m.bids {
		out[id] = b
	}
	return out
}

// OpenBidsAndOffers returns both open sets from one consistent view.
func (m *Market) OpenBidsAndOffers() (map[string]model.Bid, map[string]model.Offer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bids := make(map[string]model.Bid, len(m.bids))
	for id, b := range m.bids {
		bids[id] = b
	}
	offers := make(map[string]model.Offer, len(m.offers))
	for id, o := range m.offers {
		offers[id] = o
	}
	return bids, offers
}

// SortedOffers returns the open offers by ascending unit price. Offers
// with the same unit price keep their insertion order.
func (m *Market) SortedOffers() []model.Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].EnergyRate().Cmp(out[j].EnergyRate()); c != 0 {
			return c < 0
		}
		return m.placed[out[i].ID] < m.placed[out[j].ID]
	})
	return out
}

// SortedBids returns the open bids by descending unit price. Bids with the
// same unit price keep their insertion order.
func (m *Market) SortedBids() []model.Bid {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Bid, 0, len(m.bids))
	for _, b := range m.bids {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].EnergyRate().Cmp(out[j].EnergyRate()); c != 0 {
			return c > 0
		}
		return m.placed[out[i].ID] < m.placed[out[j].ID]
	})
	return out
}

// Trades returns a copy of the ledger in commit order.
func (m *Market) Trades() []model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// Summary aggregates the ledger into traded energy and rate statistics.
func (m *Market) Summary() model.MarketSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := model.MarketSummary{
		MarketID:     m.id,
		AreaID:       m.areaID,
		TimeSlot:     m.timeSlot,
		TradeCount:   len(m.trades),
		TradedEnergy: decimal.Zero,
		Readonly:     m.readonly,
	}
	if len(m.trades) == 0 {
		return s
	}

	total := decimal.Zero
	s.MinRate = m.trades[0].Rate
	s.MaxRate = m.trades[0].Rate
	for _, t := range m.trades {
		s.TradedEnergy = s.TradedEnergy.Add(t.Energy)
		total = total.Add(t.Rate)
		if t.Rate.LessThan(s.MinRate) {
			s.MinRate = t.Rate
		}
		if t.Rate.GreaterThan(s.MaxRate) {
			s.MaxRate = t.Rate
		}
	}
	s.AvgRate = total.Div(decimal.NewFromInt(int64(len(m.trades)))).Round(8)
	return s
}

// --- internals (callers hold m.mu) ---

func (m *Market) insertOfferLocked(o model.Offer) {
	m.seq++
	m.placed[o.ID] = m.seq
	m.offers[o.ID] = o
}

func (m *Market) insertBidLocked(b model.Bid) {
	m.seq++
	m.placed[b.ID] = m.seq
	m.bids[b.ID] = b
}

// residualOffer keeps the unit price exact: price = rate * remaining.
func (m *Market) residualOffer(o model.Offer, traded decimal.Decimal) model.Offer {
	remaining := o.Energy.Sub(traded)
	return model.Offer{
		ID:         uuid.NewString(),
		Price:      o.EnergyRate().Mul(remaining),
		Energy:     remaining,
		Seller:     o.Seller,
		MarketID:   m.id,
		Attributes: copyAttrs(o.Attributes),
	}
}

func (m *Market) residualBid(b model.Bid, traded decimal.Decimal) model.Bid {
	remaining := b.Energy.Sub(traded)
	return model.Bid{
		ID:         uuid.NewString(),
		Price:      b.EnergyRate().Mul(remaining),
		Energy:     remaining,
		Buyer:      b.Buyer,
		MarketID:   m.id,
		Attributes: copyAttrs(b.Attributes),
	}
}

func (m *Market) recordLocked(t model.Trade) model.Trade {
	t.ID = uuid.NewString()
	t.Timestamp = m.now()
	t.MarketID = m.id
	t.AreaID = m.areaID
	m.trades = append(m.trades, t)
	return t
}

func (m *Market) listenersLocked() []Listener {
	out := make([]Listener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func emit(listeners []Listener, events ...model.TradeEvent) {
	for _, ev := range events {
		for _, l := range listeners {
			l.OnTrade(ev)
		}
	}
}

func checkOrder(price, energy decimal.Decimal) error {
	if energy.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidOrder, energy)
	}
	if price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative, got %s", ErrInvalidOrder, price)
	}
	return nil
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
