package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signment/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
	sendBuffer     = 16
)

// clientMessage is what the tracking page sends over the socket.
type clientMessage struct {
	Event          string `json:"event"`
	TrackingNumber string `json:"tracking_number"`
}

// hub tracks websocket subscribers per tracking number and fans
// tracking updates out to them.
type hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*wsClient]struct{}
}

type wsClient struct {
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu     sync.Mutex
	topics map[string]struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The tracking page is served from arbitrary deployments.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*wsClient]struct{}),
	}
}

func (h *hub) subscribe(tn string, c *wsClient) {
	h.mu.Lock()
	set, ok := h.subs[tn]
	if !ok {
		set = make(map[*wsClient]struct{})
		h.subs[tn] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.topics[tn] = struct{}{}
	c.mu.Unlock()
}

func (h *hub) unsubscribe(tn string, c *wsClient) {
	h.mu.Lock()
	if set, ok := h.subs[tn]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, tn)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.topics, tn)
	c.mu.Unlock()
}

func (h *hub) drop(c *wsClient) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for tn := range c.topics {
		topics = append(topics, tn)
	}
	c.mu.Unlock()
	for _, tn := range topics {
		h.unsubscribe(tn, c)
	}
}

// broadcast sends a payload to every subscriber of a tracking number.
// Slow clients are disconnected rather than blocking the hub.
func (h *hub) broadcast(tn string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal broadcast payload", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.subs[tn]))
	for c := range h.subs[tn] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- raw:
		default:
			h.log.Warn("dropping slow websocket client",
				zap.String("tracking_number", tn))
			c.conn.Close()
		}
	}
}

func (h *hub) subscriberCount(tn string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tn])
}

// handleWS upgrades the connection and runs the read loop. Tracking
// lookups triggered over the socket reuse the HTTP handler logic
// through lookup.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
	s.metrics.wsClients.Inc()

	go c.writePump()
	c.enqueue(map[string]any{
		"event":   "status",
		"message": "Connected to tracking service",
	})
	s.readPump(r.Context(), c)
}

func (c *wsClient) enqueue(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.conn.Close()
	}
}

func (s *Server) readPump(ctx context.Context, c *wsClient) {
	defer func() {
		s.hub.drop(c)
		close(c.done)
		c.conn.Close()
		s.metrics.wsClients.Dec()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Event {
		case "request_tracking":
			tn := types.SanitizeTrackingNumber(msg.TrackingNumber)
			if tn == "" {
				c.enqueue(map[string]any{
					"event":       "tracking_update",
					"success":     false,
					"error-codes": []string{"invalid-input-response"},
				})
				continue
			}
			update, errCode := s.trackingUpdate(ctx, tn)
			if errCode != "" {
				c.enqueue(map[string]any{
					"event":           "tracking_update",
					"tracking_number": tn,
					"success":         false,
					"found":           false,
					"error-codes":     []string{errCode},
				})
				continue
			}
			s.hub.subscribe(tn, c)
			c.enqueue(update)
			s.simulator.Start(s.baseCtx, tn)

		case "unsubscribe":
			if tn := types.SanitizeTrackingNumber(msg.TrackingNumber); tn != "" {
				s.hub.unsubscribe(tn, c)
			}

		default:
			s.log.Debug("unknown websocket event", zap.String("event", msg.Event))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case raw := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
