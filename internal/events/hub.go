package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dmitrijs2005/healthsync/internal/logging"
)

const (
	TypeHello = "hello"

	writeTimeout = 5 * time.Second
)

// Hub serves /events and forwards every broker event to each connected
// WebSocket client as a Message.
type Hub struct {
	events <-chan Event
	cancel func()
	logger logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	origins []string
}

// NewHub subscribes to broker right away so nothing published before Run
// starts is lost, up to the broker buffer.
func NewHub(broker *Broker[Event], logger logging.Logger, originPatterns ...string) *Hub {
	ch, cancel := broker.Subscribe()
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &Hub{
		events:  ch,
		cancel:  cancel,
		logger:  logger,
		now:     time.Now,
		clients: make(map[*websocket.Conn]struct{}),
		origins: originPatterns,
	}
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)
	return mux
}

// Run broadcasts until ctx ends or the broker closes, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.broadcast(ctx, Message{Type: ev.EventType(), Timestamp: h.now(), Data: ev})
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(ctx, "marshal event", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug(ctx, "event client write failed", "error", err)
			h.remove(c)
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	hello, _ := json.Marshal(Message{Type: TypeHello, Timestamp: h.now()})
	wctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug(r.Context(), "event client connected", "clients", n)

	go h.readLoop(conn)
}

// readLoop only notices disconnects; clients never send anything useful.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	var wg sync.WaitGroup
	for c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close(websocket.StatusGoingAway, "shutting down")
		}()
	}
	wg.Wait()
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "clients": h.ClientCount()})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
