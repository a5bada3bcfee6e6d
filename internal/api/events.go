package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"photodrop/internal/logging"
)

const (
	eventWriteWait      = 10 * time.Second
	eventPingPeriod     = 30 * time.Second
	eventMaxMessageSize = 512
	eventSendBuffer     = 8
)

// Event types pushed to subscribers.
const (
	EventStatus = "status"
	EventPaid   = "paid"
)

// Event is a message pushed over the events websocket.
type Event struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Paid     bool   `json:"paid"`
}

// StatusFunc reports whether a client has paid.
type StatusFunc func(ctx context.Context, clientID string) (bool, error)

type subscriber struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte
}

// EventHub pushes payment events to websocket subscribers grouped by
// clientId.
type EventHub struct {
	upgrader   websocket.Upgrader
	status     StatusFunc
	pingPeriod time.Duration

	mu     sync.Mutex
	subs   map[string]map[*subscriber]bool
	closed bool
}

// NewEventHub creates a hub. Browser origins are checked against
// allowedOrigins; an empty list allows any origin.
func NewEventHub(status StatusFunc, allowedOrigins []string) *EventHub {
	return newEventHub(status, allowedOrigins, eventPingPeriod)
}

func newEventHub(status StatusFunc, allowedOrigins []string, pingPeriod time.Duration) *EventHub {
	allowed := make(map[string]bool)
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &EventHub{
		status:     status,
		pingPeriod: pingPeriod,
		subs:       make(map[string]map[*subscriber]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || allowed[origin]
		},
	}
	return h
}

// Serve upgrades the request and streams events for clientID until the peer
// goes away. The current payment status is sent first.
func (h *EventHub) Serve(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		logging.HTTP.Printf("websocket upgrade failed for client %s: %v", clientID, err)
		return
	}

	sub := &subscriber{clientID: clientID, conn: conn, send: make(chan []byte, eventSendBuffer)}
	if !h.register(sub) {
		conn.Close()
		return
	}

	paid, err := h.status(r.Context(), clientID)
	if err != nil {
		logging.Internal.Printf("payment status for client %s: %v", clientID, err)
	}
	h.deliver(sub, Event{Type: EventStatus, ClientID: clientID, Paid: paid})

	go h.writePump(sub)
	h.readPump(sub)
}

// Notify tells every subscriber of clientID that the session was paid. It has
// the payments.PaymentCallback signature.
func (h *EventHub) Notify(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[clientID] {
		h.deliverLocked(sub, Event{Type: EventPaid, ClientID: clientID, Paid: true})
	}
}

// Subscribers returns the number of open connections for clientID.
func (h *EventHub) Subscribers(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[clientID])
}

// Close disconnects every subscriber and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			h.removeLocked(sub)
		}
	}
}

func (h *EventHub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if h.subs[sub.clientID] == nil {
		h.subs[sub.clientID] = make(map[*subscriber]bool)
	}
	h.subs[sub.clientID][sub] = true
	return true
}

func (h *EventHub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked closes sub.send exactly once; the write pump then closes the
// connection.
func (h *EventHub) removeLocked(sub *subscriber) {
	subs, ok := h.subs[sub.clientID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.clientID)
	}
	close(sub.send)
}

func (h *EventHub) deliver(sub *subscriber, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(sub, ev)
}

func (h *EventHub) deliverLocked(sub *subscriber, ev Event) {
	if !h.subs[sub.clientID][sub] {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		logging.Internal.Printf("marshal event: %v", err)
		return
	}
	select {
	case sub.send <- msg:
	default:
		// a subscriber that stopped reading is dropped
		logging.HTTP.Printf("dropping slow event subscriber for client %s", sub.clientID)
		h.removeLocked(sub)
	}
}

// readPump discards client messages and keeps the read deadline moving with
// pongs. It returns when the connection fails.
func (h *EventHub) readPump(sub *subscriber) {
	defer h.unregister(sub)

	pongWait := 2 * h.pingPeriod
	sub.conn.SetReadLimit(eventMaxMessageSize)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.HTTP.Printf("websocket error for client %s: %v", sub.clientID, err)
			}
			return
		}
	}
}

func (h *EventHub) writePump(sub *subscriber) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
