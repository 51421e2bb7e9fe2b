package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/dog-ball/gsy-e/internal/metrics"
	"github.com/dog-ball/gsy-e/internal/sim"
)

const (
	wsSendBuffer   = 64
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

// wsFrame is what clients receive for each simulation event. Exactly one
// of Market or Trade is set for market and trade frames.
type wsFrame struct {
	Type   string    `json:"type"`
	Slot   int       `json:"slot"`
	Tick   int       `json:"tick,omitempty"`
	Market *wsMarket `json:"market,omitempty"`
	Trade  *wsTrade  `json:"trade,omitempty"`
}

type wsMarket struct {
	TimeSlot time.Time `json:"time_slot"`
}

type wsTrade struct {
	ID       string          `json:"id"`
	MarketID string          `json:"market_id"`
	AreaID   string          `json:"area_id"`
	Seller   string          `json:"seller"`
	Buyer    string          `json:"buyer"`
	Energy   decimal.Decimal `json:"energy"`
	Rate     decimal.Decimal `json:"rate"`
	Price    decimal.Decimal `json:"price"`
}

// newFrame shapes ev for clients. Events of unknown type, and trade events
// without a trade, are not sent.
func newFrame(ev sim.Event) (wsFrame, bool) {
	f := wsFrame{Type: ev.Type, Slot: ev.Slot}
	switch ev.Type {
	case sim.EventMarket:
		f.Market = &wsMarket{TimeSlot: ev.TimeSlot}
	case sim.EventTick:
		f.Tick = ev.Tick
	case sim.EventTrade:
		if ev.Trade == nil {
			return wsFrame{}, false
		}
		tr := ev.Trade
		f.Tick = ev.Tick
		f.Trade = &wsTrade{
			ID:       tr.ID,
			MarketID: tr.MarketID,
			AreaID:   tr.AreaID,
			Seller:   tr.Seller,
			Buyer:    tr.Buyer,
			Energy:   tr.Energy,
			Rate:     tr.Rate,
			Price:    tr.Price(),
		}
	case sim.EventFinish:
	default:
		return wsFrame{}, false
	}
	return f, true
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub streams simulation events to WebSocket clients. Each client has
// its own buffered queue and writer goroutine; a client that falls behind
// loses frames instead of slowing the simulation.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		logger:  slog.Default().With("component", "ws"),
	}
}

// Broadcast queues ev for every connected client. It never blocks and is
// registered as a simulation observer.
func (h *WSHub) Broadcast(ev sim.Event) {
	f, ok := newFrame(ev)
	if !ok {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("encode ws frame", "type", ev.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			metrics.WebSocketDropped.Inc()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws and streams events until the client
// goes away.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.add(c)
	go h.write(c)
	go func() {
		h.read(c)
		h.remove(c)
	}()
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
	h.logger.Info("ws client connected", "total", n)
}

// remove closes the client's queue, which stops its writer.
func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// read discards client messages and returns once the connection fails or
// pongs stop arriving.
func (h *WSHub) read(c *wsClient) {
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write is the only goroutine writing to c.conn.
func (h *WSHub) write(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("ws write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
