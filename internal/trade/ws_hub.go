package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 5 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients. Values are decimal
// integer strings so clients never lose precision.
type WSMessage struct {
	Type     string            `json:"type"`
	EventID  string            `json:"event_id"`
	Market   string            `json:"market,omitempty"`
	Account  string            `json:"account,omitempty"`
	Position string            `json:"position,omitempty"`
	OrderID  string            `json:"order_id,omitempty"`
	Time     time.Time         `json:"time"`
	Values   map[string]string `json:"values,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

func messageOf(e model.Event) WSMessage {
	msg := WSMessage{
		Type:     string(e.Kind),
		EventID:  e.ID,
		Market:   string(e.Market),
		Account:  e.Account,
		Position: string(e.Position),
		OrderID:  e.OrderID,
		Time:     e.Time,
		Attrs:    e.Attrs,
	}
	if len(e.Values) > 0 {
		msg.Values = make(map[string]string, len(e.Values))
		for k, v := range e.Values {
			msg.Values[k] = v.String()
		}
	}
	return msg
}

// subscription is the set of markets a client listens to. Empty means all.
type subscription map[model.Token]bool

func parseSubscription(q string) subscription {
	sub := make(subscription)
	for _, m := range strings.Split(q, ",") {
		if m = strings.TrimSpace(m); m != "" {
			sub[model.Token(m)] = true
		}
	}
	return sub
}

func (s subscription) wants(market string) bool {
	return len(s) == 0 || market == "" || s[model.Token(market)]
}

type client struct {
	conn *websocket.Conn
	sub  subscription
}

type outbound struct {
	market string
	data   []byte
}

// WSHub manages WebSocket connections and fans committed engine events out
// to the clients subscribed to their market. It implements the engine's
// event sink.
type WSHub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan outbound
	register   chan *client
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run delivers messages until ctx is cancelled, then closes every client.
// Must be called in a goroutine, at most once.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "markets", len(c.sub))

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *WSHub) deliver(msg outbound) {
	h.mu.Lock()
	for conn, c := range h.clients {
		if !c.sub.wants(msg.market) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Publish broadcasts committed events, one message per event.
func (h *WSHub) Publish(events []model.Event) {
	for _, e := range events {
		h.Broadcast(messageOf(e))
	}
}

// Broadcast queues a message for every client subscribed to its market.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{market: msg.Market, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional markets query parameter
// is a comma-separated list of market tokens to receive; events without a
// market reach every client.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub := parseSubscription(r.URL.Query().Get("markets"))
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, sub: sub}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: clients only send pongs and close frames.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
