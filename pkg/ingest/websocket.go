package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/rollupd/pkg/config"
	"github.com/nicktill/rollupd/pkg/emitter"
	"github.com/nicktill/rollupd/pkg/rollup"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

type subscription struct {
	conn   *websocket.Conn
	tenant string
}

// EventHub streams rollup events to websocket clients. Each client only
// receives the events of the tenant it subscribed to.
type EventHub struct {
	clients    map[*websocket.Conn]string
	register   chan subscription
	unregister chan *websocket.Conn
	broadcast  chan []rollup.RollupEvent
	done       chan struct{} // closed when Run returns
	stopOnce   sync.Once

	mu  sync.RWMutex
	log *zap.Logger
}

// NewEventHub creates a new websocket hub
func NewEventHub(log *zap.Logger) *EventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan subscription, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []rollup.RollupEvent, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.stop()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.tenant
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("websocket client connected", zap.String("tenant", sub.tenant), zap.Int("clients", count))
		case conn := <-h.unregister:
			h.drop(conn)
		case events := <-h.broadcast:
			h.send(events)
		}
	}
}

// stop closes every client, including registrations still buffered, and
// releases handlers waiting on the hub.
func (h *EventHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	h.mu.Unlock()

	for {
		select {
		case sub := <-h.register:
			sub.conn.Close()
		default:
			return
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.log.Info("websocket client disconnected", zap.Int("clients", count))
	}
}

func (h *EventHub) send(events []rollup.RollupEvent) {
	h.mu.RLock()
	byTenant := make(map[string][]byte)
	var failed []*websocket.Conn
	for conn, tenant := range h.clients {
		msg, ok := byTenant[tenant]
		if !ok {
			msg = encodeForTenant(events, tenant)
			byTenant[tenant] = msg
		}
		if msg == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Warn("websocket write failed", zap.Error(err))
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.drop(conn)
	}
}

// encodeForTenant returns the JSON array of the tenant's events, or nil if
// there are none.
func encodeForTenant(events []rollup.RollupEvent, tenant string) []byte {
	var mine []rollup.RollupEvent
	for _, ev := range events {
		if ev.Locator.Tenant() == tenant {
			mine = append(mine, ev)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	msg, err := json.Marshal(mine)
	if err != nil {
		return nil
	}
	return msg
}

// Broadcast queues events for delivery. Events are dropped when the queue is
// full so the caller never blocks.
func (h *EventHub) Broadcast(events ...rollup.RollupEvent) {
	if len(events) == 0 {
		return
	}
	select {
	case h.broadcast <- events:
	default:
		h.log.Warn("broadcast queue full, dropping events", zap.Int("events", len(events)))
	}
}

// HasClients returns true if there are any connected websocket clients
func (h *EventHub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Listener returns the emitter listener that forwards rollup events to the hub.
func (h *EventHub) Listener() *emitter.FuncListener[rollup.RollupEvent] {
	return emitter.Func(func(events ...rollup.RollupEvent) error {
		if h.HasClients() {
			h.Broadcast(events...)
		}
		return nil
	})
}

// HandleWebSocket handles GET /v2.0/{tenantId}/events upgrade requests.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenantId"]
	if err := ValidateTenant(tenant); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	select {
	case <-h.done:
		conn.Close()
		return
	default:
	}
	select {
	case h.register <- subscription{conn: conn, tenant: tenant}:
	case <-h.done:
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		case <-h.done:
			conn.Close()
		}
	}()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Clients send nothing; reading drives control frames and detects close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}
