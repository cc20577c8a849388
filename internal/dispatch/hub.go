package dispatch

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"ambulance/internal/logger"
)

// Hub fans booking updates out to websocket subscribers keyed by booking id.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*websocket.Conn]struct{}
	register   chan subscription
	unregister chan subscription
	log        *logger.Logger
}

type subscription struct {
	bookingID string
	conn      *websocket.Conn
}

// StreamFrame is what subscribers receive.
type StreamFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		conns:      make(map[string]map[*websocket.Conn]struct{}),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		log:        log,
	}
}

// Run owns subscription bookkeeping until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.closeAll()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if h.conns[sub.bookingID] == nil {
				h.conns[sub.bookingID] = make(map[*websocket.Conn]struct{})
			}
			h.conns[sub.bookingID][sub.conn] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.conns[sub.bookingID]; ok {
				delete(conns, sub.conn)
				if len(conns) == 0 {
					delete(h.conns, sub.bookingID)
				}
			}
			h.mu.Unlock()
			sub.conn.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.conns {
		for c := range conns {
			c.Close()
		}
		delete(h.conns, id)
	}
}

// ServeBooking upgrades the request and subscribes it to one booking.
func (h *Hub) ServeBooking(w http.ResponseWriter, r *http.Request, bookingID string) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(logger.Entry{Action: "ws_upgrade", Message: "websocket upgrade failed", BookingID: bookingID, Error: logger.Err(err)})
		return
	}
	h.register <- subscription{bookingID: bookingID, conn: conn}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.unregister <- subscription{bookingID: bookingID, conn: conn}
				return
			}
		}
	}()
}

// Subscribers reports how many sockets watch a booking.
func (h *Hub) Subscribers(bookingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[bookingID])
}

// Publish sends a frame to every subscriber of the booking.
func (h *Hub) Publish(bookingID, kind string, payload any) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns[bookingID]))
	for c := range h.conns[bookingID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	frame := StreamFrame{Type: kind, Payload: payload}
	for _, conn := range conns {
		if err := conn.WriteJSON(frame); err != nil {
			go func(c *websocket.Conn) { h.unregister <- subscription{bookingID: bookingID, conn: c} }(conn)
		}
	}
}

// PublishDriverLocation forwards a position update to the driver's booking, if any.
func (h *Hub) PublishDriverLocation(d Driver) {
	if d.BookingID == "" || d.Location == nil {
		return
	}
	h.Publish(d.BookingID, "driver_location", d)
}
