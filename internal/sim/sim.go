// Package sim drives a simulation run: it opens a market per area for every
// slot, wires an inter-area agent to every edge of the hierarchy, and steps
// through the slot's ticks.
//
// All market mutation happens on the goroutine running Run. Other
// goroutines get exclusive access through Do.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dog-ball/gsy-e/internal/area"
	"github.com/dog-ball/gsy-e/internal/interarea"
	"github.com/dog-ball/gsy-e/internal/market"
	"github.com/dog-ball/gsy-e/internal/matching"
	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/model"
	"github.com/dog-ball/gsy-e/internal/store"
	"github.com/dog-ball/gsy-e/internal/tradefeed"
)

// ErrStopped is returned by Do once Run has returned.
var ErrStopped = errors.New("sim: simulation stopped")

// Lifecycle receives the run's progress notifications.
type Lifecycle interface {
	PublishMarket(ctx context.Context)
	PublishTick(ctx context.Context)
	PublishFinish(ctx context.Context)
}

type nopLifecycle struct{}

func (nopLifecycle) PublishMarket(context.Context) {}
func (nopLifecycle) PublishTick(context.Context)   {}
func (nopLifecycle) PublishFinish(context.Context) {}

// marketRegistrar is implemented by matchers that expose markets to a
// remote party as soon as a slot opens.
type marketRegistrar interface {
	RegisterMarket(areaID string, m *market.Market)
}

// Settings are the timing parameters of a run.
type Settings struct {
	TickInterval time.Duration
	TicksPerSlot int
	SlotLength   time.Duration
	SlotCount    int
	MinOfferAge  int
	Start        time.Time // first slot; zero means now, truncated to SlotLength
}

// Simulation is one run over an area tree.
type Simulation struct {
	tree      *area.Tree
	settings  Settings
	matcher   matching.Matcher
	lifecycle Lifecycle
	store     store.Store
	feed      tradefeed.Feed
	logger    *slog.Logger
	observers []func(Event)

	order []string // market areas, children before parents
	work  chan job
	done  chan struct{}

	mu      sync.RWMutex
	markets map[string]*market.Market
	agents  []*interarea.Agent
	slot    int
	tick    int
	running bool
	pending []model.Trade
}

type job struct {
	fn   func()
	done chan struct{}
}

// Option configures a Simulation.
type Option func(*Simulation)

// WithMatcher sets the matching strategy. The default is pay-as-bid.
func WithMatcher(m matching.Matcher) Option {
	return func(s *Simulation) { s.matcher = m }
}

// WithLifecycle sets the receiver of market, tick and finish notifications.
func WithLifecycle(l Lifecycle) Option {
	return func(s *Simulation) { s.lifecycle = l }
}

// WithStore sets where committed trades and slot summaries are persisted.
func WithStore(st store.Store) Option {
	return func(s *Simulation) { s.store = st }
}

// WithFeed sets the trade feed.
func WithFeed(f tradefeed.Feed) Option {
	return func(s *Simulation) { s.feed = f }
}

// WithLogger sets the simulation's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulation) { s.logger = l }
}

// WithObserver registers fn for every Event. Observers run on the
// simulation goroutine and must not block.
func WithObserver(fn func(Event)) Option {
	return func(s *Simulation) { s.observers = append(s.observers, fn) }
}

// New creates a simulation over tree.
func New(tree *area.Tree, settings Settings, opts ...Option) *Simulation {
	s := &Simulation{
		tree:      tree,
		settings:  settings,
		matcher:   matching.PayAsBid{},
		lifecycle: nopLifecycle{},
		store:     store.NewMemoryStore(),
		feed:      tradefeed.Nop{},
		logger:    slog.Default(),
		work:      make(chan job),
		done:      make(chan struct{}),
		markets:   make(map[string]*market.Market),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.settings.Start.IsZero() {
		s.settings.Start = time.Now().UTC().Truncate(s.settings.SlotLength)
	}
	for _, i := range tree.BottomUp() {
		if n := tree.Node(i); !n.IsLeaf() || n.Parent == area.NoParent {
			s.order = append(s.order, n.Name)
		}
	}
	s.logger = s.logger.With("component", "sim")
	return s
}

// Tree returns the area hierarchy the run simulates.
func (s *Simulation) Tree() *area.Tree { return s.tree }

// Market returns the current market of an area.
func (s *Simulation) Market(areaID string) (*market.Market, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[areaID]
	return m, ok
}

// Markets returns the current market of every market area.
func (s *Simulation) Markets() map[string]*market.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*market.Market, len(s.markets))
	for id, m := range s.markets {
		out[id] = m
	}
	return out
}

// Progress returns the current slot and tick and whether the run is still
// going.
func (s *Simulation) Progress() (slot, tick int, running bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slot, s.tick, s.running
}

// Counterparts returns the orders linked to orderID by the inter-area
// agents of the open slot. Call it from a Do job: agents are only safe on
// the simulation goroutine.
func (s *Simulation) Counterparts(orderID string) []string {
	s.mu.RLock()
	agents := s.agents
	s.mu.RUnlock()

	var out []string
	for _, a := range agents {
		if id, ok := a.Counterpart(orderID); ok {
			out = append(out, id)
		}
	}
	return out
}

// Do runs fn on the simulation goroutine between ticks and waits for it.
// Once fn has been picked up it runs to completion even if ctx is
// cancelled.
func (s *Simulation) Do(ctx context.Context, fn func()) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case s.work <- j:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-j.done
	return nil
}

// Run executes every slot and returns when the last one has closed or ctx
// is cancelled. The open slot is closed and persisted in both cases.
func (s *Simulation) Run(ctx context.Context) error {
	defer close(s.done)
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var ticks <-chan time.Time
	if s.settings.TickInterval > 0 {
		ticker := time.NewTicker(s.settings.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	s.logger.Info("simulation started",
		"slots", s.settings.SlotCount,
		"ticks_per_slot", s.settings.TicksPerSlot,
		"markets", len(s.order),
	)

	var err error
slots:
	for slot := 0; slot < s.settings.SlotCount; slot++ {
		s.openSlot(ctx, slot)
		for tick := 0; tick < s.settings.TicksPerSlot; tick++ {
			s.runTick(ctx, tick)
			if err = s.wait(ctx, ticks); err != nil {
				break slots
			}
		}
		s.closeSlot(ctx)
	}

	final := context.WithoutCancel(ctx)
	if err != nil {
		s.closeSlot(final)
		s.logger.Info("simulation cancelled")
	} else {
		s.logger.Info("simulation finished")
	}
	s.lifecycle.PublishFinish(final)
	s.notify(Event{Type: EventFinish})
	return err
}

// wait serves Do requests until the next tick is due.
func (s *Simulation) wait(ctx context.Context, ticks <-chan time.Time) error {
	if ticks == nil {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case j := <-s.work:
				s.runJob(ctx, j)
			default:
				return nil
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-s.work:
			s.runJob(ctx, j)
		case <-ticks:
			return nil
		}
	}
}

func (s *Simulation) runJob(ctx context.Context, j job) {
	defer close(j.done)
	j.fn()
	s.flush(ctx)
}

func (s *Simulation) openSlot(ctx context.Context, slot int) {
	slotTime := s.settings.Start.Add(time.Duration(slot) * s.settings.SlotLength)
	recorder := market.ListenerFunc(s.record)

	markets := make(map[string]*market.Market, len(s.order))
	for _, name := range s.order {
		m := market.New(name, slotTime)
		m.Subscribe(recorder)
		markets[name] = m
	}

	agents := make([]*interarea.Agent, 0, len(s.order))
	for _, e := range s.tree.Edges() {
		child, parent := s.tree.Node(e.Child), s.tree.Node(e.Parent)
		lower, higher := markets[child.Name], markets[parent.Name]
		a := interarea.New("IAA "+child.Name, lower, higher,
			interarea.WithMinOfferAge(s.settings.MinOfferAge),
			interarea.WithLogger(s.logger),
		)
		lower.Subscribe(a)
		higher.Subscribe(a)
		agents = append(agents, a)
	}

	s.mu.Lock()
	s.markets = markets
	s.agents = agents
	s.slot = slot
	s.tick = 0
	s.mu.Unlock()

	if r, ok := s.matcher.(marketRegistrar); ok {
		for _, name := range s.order {
			r.RegisterMarket(name, markets[name])
		}
	}
	metrics.ActiveMarkets.Set(float64(len(markets)))

	s.logger.Info("slot opened", "slot", slot, "time_slot", slotTime, "agents", len(agents))
	s.lifecycle.PublishMarket(ctx)
	s.notify(Event{Type: EventMarket, Slot: slot, TimeSlot: slotTime})
}

func (s *Simulation) runTick(ctx context.Context, tick int) {
	s.mu.Lock()
	s.tick = tick
	markets, agents, slot := s.markets, s.agents, s.slot
	s.mu.Unlock()

	s.seed(markets, tick)
	for _, a := range agents {
		a.Tick(tick)
	}
	for _, name := range s.order {
		res, err := s.matcher.ProposeAndApply(ctx, name, markets[name])
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("matching failed", "area", name, "err", err)
			continue
		}
		if res.Trades > 0 {
			s.logger.Debug("matched", "area", name, "trades", res.Trades, "energy", res.Energy.String())
		}
	}
	s.flush(ctx)

	metrics.Ticks.Inc()
	s.lifecycle.PublishTick(ctx)
	s.notify(Event{Type: EventTick, Slot: slot, Tick: tick})
}

// seed places the device orders due at tick into their parent markets.
func (s *Simulation) seed(markets map[string]*market.Market, tick int) {
	for _, leaf := range s.tree.Leaves() {
		m := markets[s.tree.Node(leaf.Parent).Name]
		for _, o := range leaf.Orders {
			if o.AtTick != tick {
				continue
			}
			var attrs map[string]string
			if o.EnergyType != "" {
				attrs = map[string]string{model.AttrEnergyType: o.EnergyType}
			}
			price := o.Rate.Mul(o.Energy)

			var err error
			if o.Side == area.SideOffer {
				_, err = m.PlaceOffer(price, o.Energy, leaf.Name, attrs)
			} else {
				_, err = m.PlaceBid(price, o.Energy, leaf.Name, attrs)
			}
			if err != nil {
				s.logger.Error("seed order rejected", "area", leaf.Name, "side", o.Side, "err", err)
			}
		}
	}
}

func (s *Simulation) closeSlot(ctx context.Context) {
	s.mu.Lock()
	markets := s.markets
	s.agents = nil
	s.mu.Unlock()

	for _, name := range s.order {
		markets[name].Close()
	}
	s.flush(ctx)
	for _, name := range s.order {
		sum := markets[name].Summary()
		if err := s.store.SaveMarketSummary(ctx, sum); err != nil {
			s.logger.Error("save market summary failed", "market", sum.MarketID, "err", err)
		}
	}
	metrics.ActiveMarkets.Set(0)
}

// record queues a committed trade for persistence.
func (s *Simulation) record(ev model.TradeEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, ev.Trade)
	s.mu.Unlock()
}

// flush persists and publishes the trades committed since the last flush.
func (s *Simulation) flush(ctx context.Context) {
	s.mu.Lock()
	trades := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i := range trades {
		t := trades[i]
		metrics.TradesTotal.WithLabelValues(t.AreaID).Inc()
		energy, _ := t.Energy.Float64()
		metrics.TradedEnergy.WithLabelValues(t.AreaID).Add(energy)

		if err := s.store.InsertTrade(ctx, t); err != nil {
			s.logger.Error("persist trade failed", "trade", t.ID, "err", err)
		}
		if err := s.feed.Publish(ctx, t); err != nil {
			s.logger.Warn("trade feed publish failed", "trade", t.ID, "err", err)
		}
		s.notify(Event{Type: EventTrade, Trade: &t})
	}
}

func (s *Simulation) notify(ev Event) {
	for _, fn := range s.observers {
		fn(ev)
	}
}
