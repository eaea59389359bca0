package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltgarage/efi-brain/internal/metrics"
	"github.com/voltgarage/efi-brain/internal/models"
)

// WebSocket message types
const (
	MessageTypeAlert     = "alert"
	MessageTypeHeartbeat = "heartbeat"
)

// WSMessage is one message pushed to an alert subscriber.
type WSMessage struct {
	Type      string                 `json:"type"`
	Alert     *models.ModelRiskAlert `json:"alert,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// defaultOrigins are the development origins allowed when no allow-list is
// configured.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// newUpgrader builds a websocket upgrader enforcing the origin allow-list.
// An empty list permits the default development origins; "*" permits any.
// Requests without an Origin header (non-browser clients) are always allowed.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := allowedOrigins
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// AlertHub broadcasts risk alerts to websocket subscribers. It implements
// pattern.Notifier so the detector pushes through it without knowing about
// transport.
type AlertHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan *WSMessage
}

// NewAlertHub creates an alert hub with the given origin allow-list.
func NewAlertHub(allowedOrigins []string, logger *zap.Logger) *AlertHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertHub{
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
		clients:  make(map[*wsClient]bool),
	}
}

// NotifyAlert broadcasts an alert to every connected subscriber. A subscriber
// whose buffer is full is dropped rather than blocking the learning loop.
func (h *AlertHub) NotifyAlert(alert *models.ModelRiskAlert) {
	msg := &WSMessage{
		Type:      MessageTypeAlert,
		Alert:     alert,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
			metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
		default:
			h.logger.Warn("dropping slow alert subscriber")
			h.removeLocked(client)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *AlertHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers.
func (h *AlertHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.removeLocked(client)
	}
}

func (h *AlertHub) add(client *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = true
	metrics.WebSocketConnections.Set(float64(len(h.clients)))
	return true
}

func (h *AlertHub) remove(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *AlertHub) removeLocked(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	metrics.WebSocketConnections.Set(float64(len(h.clients)))
}

// handleAlertsWS upgrades the connection and streams risk alerts until the
// client disconnects.
func (s *Server) handleAlertsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan *WSMessage, 16),
	}
	if !s.hub.add(client) {
		conn.Close()
		return
	}
	s.logger.Info("alert subscriber connected",
		zap.String("remote", conn.RemoteAddr().String()))

	// Reader: we expect no client messages; this goroutine just detects
	// disconnects.
	go func() {
		defer s.hub.remove(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		}
	}()

	// Writer: alerts plus heartbeats.
	heartbeat := time.NewTicker(30 * time.Second)
	defer func() {
		heartbeat.Stop()
		conn.Close()
		s.logger.Info("alert subscriber disconnected")
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.hub.remove(client)
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(&WSMessage{
				Type:      MessageTypeHeartbeat,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				s.hub.remove(client)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
