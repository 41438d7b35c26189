package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/harvest/internal/common"
	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultSendBuffer = 256
)

// Message types sent to clients
const (
	MessageHello        = "hello"
	MessageRunState     = "run_state"
	MessageJobUpdate    = "job_update"
	MessageLog          = "log"
	MessageRunCompleted = "run_completed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the server middleware
	},
}

// WSMessage is the envelope of every websocket message
type WSMessage struct {
	Type    string      `json:"type"`
	Backend string      `json:"backend,omitempty"`
	Payload interface{} `json:"payload"`
}

// HelloPayload is sent once when a client connects
type HelloPayload struct {
	ServerInstanceID string       `json:"server_instance_id"`
	Backends         []models.Run `json:"backends"`
}

// StatusProvider supplies the backend snapshots sent on connect
type StatusProvider interface {
	Statuses() []models.Run
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHandler streams run state, job snapshots and log entries to
// connected clients. Each client has a bounded send buffer; a client that
// falls behind loses messages rather than stalling the publisher.
type WebSocketHandler struct {
	logger      arbor.ILogger
	status      StatusProvider
	sendBuffer  int
	jobInterval time.Duration
	instanceID  string

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	throttleMu sync.Mutex
	throttlers map[string]*rate.Limiter // per job id

	dropped int64
}

// NewWebSocketHandler creates the handler and subscribes it to the event service
func NewWebSocketHandler(eventService interfaces.EventService, status StatusProvider, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:     logger,
		status:     status,
		sendBuffer: defaultSendBuffer,
		instanceID: uuid.New().String(),
		clients:    make(map[*wsClient]struct{}),
		throttlers: make(map[string]*rate.Limiter),
	}
	if config != nil {
		if config.SendBuffer > 0 {
			h.sendBuffer = config.SendBuffer
		}
		h.jobInterval = common.MustDuration(config.JobUpdateInterval, 0)
	}

	if eventService != nil {
		h.subscribe(eventService)
	}

	logger.Debug().
		Str("server_instance_id", h.instanceID).
		Dur("job_update_interval", h.jobInterval).
		Msg("WebSocket handler initialized")
	return h
}

func (h *WebSocketHandler) subscribe(eventService interfaces.EventService) {
	forward := func(msgType string) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			h.Broadcast(WSMessage{Type: msgType, Backend: event.Backend, Payload: event.Payload})
			return nil
		}
	}

	subscriptions := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventRunState:     forward(MessageRunState),
		interfaces.EventLogEntry:     forward(MessageLog),
		interfaces.EventRunCompleted: forward(MessageRunCompleted),
		interfaces.EventJobUpdate: func(ctx context.Context, event interfaces.Event) error {
			job, ok := event.Payload.(models.Job)
			if ok && !h.allowJobUpdate(job) {
				return nil
			}
			h.Broadcast(WSMessage{Type: MessageJobUpdate, Backend: event.Backend, Payload: event.Payload})
			return nil
		},
	}
	for eventType, handler := range subscriptions {
		if err := eventService.Subscribe(eventType, handler); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe websocket handler")
		}
	}
}

// allowJobUpdate throttles snapshots of one job. Terminal snapshots always
// pass and release the job's limiter.
func (h *WebSocketHandler) allowJobUpdate(job models.Job) bool {
	if h.jobInterval <= 0 {
		return true
	}

	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	if job.State.IsTerminal() {
		delete(h.throttlers, job.ID)
		return true
	}
	limiter, ok := h.throttlers[job.ID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.jobInterval), 1)
		h.throttlers[job.ID] = limiter
	}
	return limiter.Allow()
}

// Broadcast queues a message for every connected client
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal websocket message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were dropped for slow clients
func (h *WebSocketHandler) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// HandleWebSocket - GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, h.sendBuffer)}

	// Hello goes first so clients can detect a server restart
	hello := HelloPayload{ServerInstanceID: h.instanceID}
	if h.status != nil {
		hello.Backends = h.status.Statuses()
	}
	if data, err := json.Marshal(WSMessage{Type: MessageHello, Payload: hello}); err == nil {
		client.send <- data
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	go h.writePump(client)
	h.readPump(client)

	h.mu.Lock()
	delete(h.clients, client)
	close(client.send)
	count = len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}

// readPump discards client messages and returns when the connection closes
func (h *WebSocketHandler) readPump(c *wsClient) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
