// Package transport implements the WebSocket transport adapter: upgrade,
// per-socket room fan-out groups, and the join/message/leave/disconnect
// event hooks that drive the room dispatcher, room registry, and session
// coordinator. Authentication, when enabled, is optional and gates only
// the upgrade — room membership is identified at the application level.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/offbit-ai/zeal/internal/v1/auth"
	"github.com/offbit-ai/zeal/internal/v1/coordinator"
	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/metrics"
	"github.com/offbit-ai/zeal/internal/v1/ratelimit"
	"github.com/offbit-ai/zeal/internal/v1/registry"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

// TokenValidator authenticates the bearer token presented at WS upgrade.
// A nil validator on Hub means the upgrade step skips authentication
// entirely (e.g. SKIP_AUTH / DEVELOPMENT_MODE). Access control beyond
// the transport boundary is out of scope, so this check never gates
// anything past the upgrade.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub is the process-wide WebSocket coordinator.
type Hub struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	rateLimiter *ratelimit.RateLimiter
	validator   TokenValidator
	skipAuth    bool

	allowedOrigins []string
	gracePeriod    time.Duration

	mu          sync.RWMutex
	roomSockets map[types.RoomName]map[types.ClientID]*Client

	evictionMu      sync.Mutex
	pendingEviction map[types.RoomName]*time.Timer
}

// Deps bundles Hub's constructor dependencies.
type Deps struct {
	Registry       *registry.Registry
	Coordinator    *coordinator.Coordinator
	RateLimiter    *ratelimit.RateLimiter
	Validator      TokenValidator
	SkipAuth       bool
	AllowedOrigins []string
	GracePeriod    time.Duration
}

// NewHub builds a Hub from deps.
func NewHub(d Deps) *Hub {
	return &Hub{
		registry:        d.Registry,
		coordinator:     d.Coordinator,
		rateLimiter:     d.RateLimiter,
		validator:       d.Validator,
		skipAuth:        d.SkipAuth,
		allowedOrigins:  d.AllowedOrigins,
		gracePeriod:     d.GracePeriod,
		roomSockets:     make(map[types.RoomName]map[types.ClientID]*Client),
		pendingEviction: make(map[types.RoomName]*time.Timer),
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// ServeWS upgrades the HTTP connection and hands it off to a Client.
// Authentication, when enabled, gates only the upgrade — not individual
// crdt:join calls, which identify themselves by an application-level
// clientId that survives across reconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()

	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	if !h.skipAuth && h.validator != nil {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
			return
		}
		if _, err := h.validator.ValidateToken(token); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	upgrader.CheckOrigin = h.checkOrigin
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         h,
		joinedRooms: set.New[types.RoomName](),
	}

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// joinRoom handles a crdt:join event: admits the client to the room,
// registers its socket for fan-out, and acks with its assigned color.
func (h *Hub) joinRoom(ctx context.Context, client *Client, roomName types.RoomName, clientID types.ClientID) {
	h.cancelEviction(roomName)

	r, err := h.registry.GetOrCreate(ctx, roomName)
	if err != nil {
		logging.Error(ctx, "room creation failed", zap.String("room", string(roomName)), zap.Error(err))
		client.sendJSON(Envelope{Event: eventJoin, RoomName: string(roomName)})
		return
	}

	if err := r.AddClient(clientID); err != nil {
		client.sendJSON(types.ErrorFrame{Error: "Room capacity reached"})
		return
	}

	h.mu.Lock()
	if h.roomSockets[roomName] == nil {
		h.roomSockets[roomName] = make(map[types.ClientID]*Client)
	}
	h.roomSockets[roomName][clientID] = client
	h.mu.Unlock()

	client.joinedRooms.Insert(roomName)

	if err := h.coordinator.Join(ctx, clientID, roomName); err != nil {
		logging.Warn(ctx, "session join degraded", zap.String("client", string(clientID)), zap.Error(err))
	}

	ack := types.JoinAck{
		RoomName: roomName,
		ClientID: clientID,
		Color:    r.AssignColor(clientID),
	}
	client.sendJSON(ack)
}

// handleMessage dispatches an inbound frame through the room's Dispatch
// method and fans out the result: direct replies to the sender, and a
// broadcast to the rest of the room when the result calls for one.
func (h *Hub) handleMessage(ctx context.Context, client *Client, roomName types.RoomName, clientID types.ClientID, payload []byte) {
	r, ok := h.registry.Get(roomName)
	if !ok {
		return
	}

	if h.rateLimiter != nil && !h.rateLimiter.CheckMessage(ctx, string(clientID)) {
		return
	}

	result, err := r.Dispatch(ctx, clientID, payload)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues(messageTagLabel(payload), "error").Inc()
		logging.Debug(ctx, "frame dropped", zap.String("room", string(roomName)), zap.Error(err))
		return
	}
	metrics.MessagesProcessed.WithLabelValues(messageTagLabel(payload), "ok").Inc()

	if err := h.coordinator.Extend(ctx, clientID); err != nil {
		logging.Debug(ctx, "session extend degraded", zap.String("client", string(clientID)), zap.Error(err))
	}

	if result.ResponseToSender != nil {
		client.sendJSON(Envelope{Event: eventMessage, RoomName: string(roomName), Payload: result.ResponseToSender})
	}
	for _, reply := range result.RepliesToSender {
		client.sendJSON(Envelope{Event: eventMessage, RoomName: string(roomName), Payload: reply})
	}
	if result.Broadcast {
		h.broadcast(roomName, clientID, Envelope{Event: eventMessage, RoomName: string(roomName), Payload: payload})
	}
}

// broadcast sends env to every socket joined to roomName except exclude.
func (h *Hub) broadcast(roomName types.RoomName, exclude types.ClientID, env Envelope) {
	h.mu.RLock()
	sockets := h.roomSockets[roomName]
	targets := make([]*Client, 0, len(sockets))
	for id, c := range sockets {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.sendJSON(env)
	}
}

// leaveRoom handles an explicit crdt:leave event: drops the client's
// socket from fan-out and its membership from the room, scheduling
// eviction if the room is now empty.
func (h *Hub) leaveRoom(ctx context.Context, client *Client, roomName types.RoomName, clientID types.ClientID) {
	h.mu.Lock()
	if sockets, ok := h.roomSockets[roomName]; ok {
		delete(sockets, clientID)
		if len(sockets) == 0 {
			delete(h.roomSockets, roomName)
		}
	}
	h.mu.Unlock()

	client.joinedRooms.Delete(roomName)

	if r, ok := h.registry.Get(roomName); ok {
		r.RemoveClient(clientID)
		if r.IsEmpty() {
			if err := r.SaveSnapshot(ctx); err != nil {
				logging.Warn(ctx, "pre-eviction snapshot save failed, room stays resident",
					zap.String("room", string(roomName)), zap.Error(err))
			} else {
				h.scheduleEviction(roomName)
			}
		}
	}

	_ = h.coordinator.Leave(ctx, clientID, roomName)
}

// scheduleEviction arms a grace-period timer after which the registry is
// asked to remove roomName if it is still evictable.
func (h *Hub) scheduleEviction(roomName types.RoomName) {
	h.evictionMu.Lock()
	defer h.evictionMu.Unlock()

	if t, ok := h.pendingEviction[roomName]; ok {
		t.Stop()
	}
	h.pendingEviction[roomName] = time.AfterFunc(h.gracePeriod, func() {
		h.evictionMu.Lock()
		delete(h.pendingEviction, roomName)
		h.evictionMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.registry.RemoveIfEvictable(ctx, roomName, h.gracePeriod); err != nil {
			logging.Warn(ctx, "room eviction failed", zap.String("room", string(roomName)), zap.Error(err))
		}
	})
}

func (h *Hub) cancelEviction(roomName types.RoomName) {
	h.evictionMu.Lock()
	defer h.evictionMu.Unlock()
	if t, ok := h.pendingEviction[roomName]; ok {
		t.Stop()
		delete(h.pendingEviction, roomName)
	}
}

// disconnect handles an unplanned socket close: the client is not
// removed from its rooms immediately — the session is marked
// disconnected with a short TTL, and the coordinator's own grace timer
// performs the eventual per-room removal.
func (h *Hub) disconnect(ctx context.Context, client *Client, clientID types.ClientID) {
	joined := client.joinedRooms.List()

	h.mu.Lock()
	for _, rn := range joined {
		if sockets, ok := h.roomSockets[rn]; ok {
			delete(sockets, clientID)
			if len(sockets) == 0 {
				delete(h.roomSockets, rn)
			}
		}
	}
	h.mu.Unlock()

	err := h.coordinator.Disconnect(ctx, clientID, func(rn types.RoomName) {
		if r, ok := h.registry.Get(rn); ok {
			r.TouchClient(clientID)
		}
	})
	if err != nil {
		logging.Warn(ctx, "session disconnect degraded", zap.String("client", string(clientID)), zap.Error(err))
	}

	metrics.DecConnection()
}

func messageTagLabel(frame []byte) string {
	if len(frame) == 0 {
		return "empty"
	}
	switch types.MessageTag(frame[0]) {
	case types.TagSync:
		return "sync"
	case types.TagPresence:
		return "presence"
	case types.TagAuth:
		return "auth"
	case types.TagPresenceQuery:
		return "presence_query"
	default:
		return "unknown"
	}
}
