package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/gorilla/websocket"

	"algomirror/chain"
	"algomirror/config"
	"algomirror/logger"
	"algomirror/models"
	"algomirror/positions"
)

// positionEnvelope and chainEnvelope are the typed frames consumers key
// off: {"type":"position",...} / {"type":"option_chain",...}.
type positionEnvelope struct {
	Type string `json:"type"`
	positions.Update
}

type chainEnvelope struct {
	Type string `json:"type"`
	models.OptionChainSnapshot
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes typed envelopes to websocket consumers. It bridges the
// internal event bus to the outbound socket: every position update and
// chain snapshot published on the bus is encoded once and broadcast.
// Each client has a bounded send buffer; clients that cannot keep up
// lose frames rather than stalling the broadcast.
type Hub struct {
	cfg config.FeedConfig
	bus EventBus.Bus

	mu      sync.Mutex
	clients map[*client]struct{}

	server *http.Server

	ctx     context.Context
	wg      *sync.WaitGroup
	runMu   sync.Mutex
	running bool
	log     *logger.Log
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Consumers are local companion apps.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a feed hub over the bus.
func NewHub(cfg config.FeedConfig, bus EventBus.Bus) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		cfg:     cfg,
		bus:     bus,
		clients: make(map[*client]struct{}),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

// Start subscribes the hub to the bus topics and begins accepting
// websocket consumers.
func (h *Hub) Start(ctx context.Context) error {
	h.runMu.Lock()
	if h.running {
		h.runMu.Unlock()
		return fmt.Errorf("feed hub already running")
	}
	h.running = true
	h.ctx = ctx
	h.runMu.Unlock()

	log := h.log.WithComponent("feed").WithFields(logger.Fields{"operation": "start"})

	if err := h.bus.Subscribe(positions.TopicPosition, h.onPosition); err != nil {
		return fmt.Errorf("subscribe %s: %w", positions.TopicPosition, err)
	}
	if err := h.bus.Subscribe(chain.TopicOptionChain, h.onChain); err != nil {
		return fmt.Errorf("subscribe %s: %w", chain.TopicOptionChain, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	h.server = &http.Server{Addr: h.cfg.ListenAddr, Handler: mux}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("feed listener failed")
		}
	}()

	log.WithFields(logger.Fields{"listen_addr": h.cfg.ListenAddr}).Info("feed hub started")
	return nil
}

// Stop closes the listener and disconnects every consumer.
func (h *Hub) Stop() {
	h.runMu.Lock()
	h.running = false
	h.runMu.Unlock()

	h.bus.Unsubscribe(positions.TopicPosition, h.onPosition)
	h.bus.Unsubscribe(chain.TopicOptionChain, h.onChain)

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}

	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.log.WithComponent("feed").Info("feed hub stopped")
}

// ClientCount reports the number of connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) onPosition(u positions.Update) {
	h.broadcast(positionEnvelope{Type: "position", Update: u})
}

func (h *Hub) onChain(snap models.OptionChainSnapshot) {
	h.broadcast(chainEnvelope{Type: "option_chain", OptionChainSnapshot: snap})
}

func (h *Hub) broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithComponent("feed").WithError(err).Warn("envelope encoding failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			logger.IncrementFeedPublish(len(data))
		default:
			// Slow consumer, frame lost.
		}
	}
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithComponent("feed").WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.WithComponent("feed").WithFields(logger.Fields{
		"remote":  r.RemoteAddr,
		"clients": n,
	}).Info("feed consumer connected")

	h.wg.Add(2)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	for {
		select {
		case <-h.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump exists only to notice disconnects; inbound frames are ignored.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
