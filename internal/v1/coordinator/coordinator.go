// Package coordinator implements per-client Redis-backed session metadata
// (rooms joined, connection state, disconnect timestamp) that drives the
// reconnection grace period: a time.AfterFunc grace timer per client,
// cancelled on reconnect, that triggers cleanup once it fires.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"github.com/offbit-ai/zeal/internal/v1/registry"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

// Session is the JSON value the coordinator keeps in the persistence
// store per client.
type Session struct {
	ConnectedAt    time.Time `json:"connected_at"`
	Rooms          []string  `json:"rooms"`
	IsConnected    bool      `json:"is_connected"`
	DisconnectedAt *int64    `json:"disconnected_at,omitempty"`
}

// Coordinator wires session persistence to the registry so a post-grace
// cleanup can remove a lapsed client from every room it had joined.
type Coordinator struct {
	store       *persistence.Store
	registry    *registry.Registry
	gracePeriod time.Duration

	timersMu sync.Mutex
	timers   map[types.ClientID]*time.Timer
}

// New builds a Coordinator. gracePeriod is the disconnect-to-cleanup
// window (default 30s, types.DefaultEvictionGracePeriod).
func New(store *persistence.Store, reg *registry.Registry, gracePeriod time.Duration) *Coordinator {
	return &Coordinator{
		store:       store,
		registry:    reg,
		gracePeriod: gracePeriod,
		timers:      make(map[types.ClientID]*time.Timer),
	}
}

// Get reads a client's session record, or (nil, nil) if absent.
func (c *Coordinator) Get(ctx context.Context, id types.ClientID) (*Session, error) {
	data, err := c.store.GetClientSession(ctx, id)
	if err != nil || data == nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, nil // corrupt record treated as absent, non-fatal
	}
	return &s, nil
}

// Join records room in the client's session, creating the record on first
// join and cancelling any pending post-grace cleanup on a reconnect — a
// client that reconnects within the grace window never loses its spot.
func (c *Coordinator) Join(ctx context.Context, id types.ClientID, roomName types.RoomName) error {
	c.cancelTimer(id)

	sess, err := c.Get(ctx, id)
	if err != nil {
		logging.Warn(ctx, "session read degraded on join", zap.String("client", string(id)), zap.Error(err))
		sess = nil
	}
	if sess == nil {
		sess = &Session{ConnectedAt: time.Now()}
	}

	sess.IsConnected = true
	sess.DisconnectedAt = nil
	if !containsRoom(sess.Rooms, string(roomName)) {
		sess.Rooms = append(sess.Rooms, string(roomName))
	}

	return c.save(ctx, id, sess, types.DefaultSessionTTLLive)
}

// Extend refreshes a still-connected client's session TTL back to the live
// window without rewriting the record, keeping a long-lived connection's
// session key from expiring between joins. Called from the message path
// rather than on a fixed timer, so only clients actually exchanging frames
// pay for the refresh.
func (c *Coordinator) Extend(ctx context.Context, id types.ClientID) error {
	return c.store.ExtendClientSession(ctx, id, types.DefaultSessionTTLLive)
}

// Leave removes room from the client's session room list without touching
// connection state, used when a client explicitly leaves a room without
// disconnecting.
func (c *Coordinator) Leave(ctx context.Context, id types.ClientID, roomName types.RoomName) error {
	sess, err := c.Get(ctx, id)
	if err != nil || sess == nil {
		return err
	}
	sess.Rooms = removeRoom(sess.Rooms, string(roomName))
	return c.save(ctx, id, sess, types.DefaultSessionTTLLive)
}

// Disconnect writes the grace-window session record and schedules
// post-grace cleanup. The client is NOT removed from its rooms
// immediately — each joined room's last-seen is touched instead, so the
// idle sweeper doesn't evict it during the grace window.
func (c *Coordinator) Disconnect(ctx context.Context, id types.ClientID, touchRooms func(types.RoomName)) error {
	sess, err := c.Get(ctx, id)
	if err != nil || sess == nil {
		return err
	}

	now := time.Now().Unix()
	sess.IsConnected = false
	sess.DisconnectedAt = &now

	for _, rn := range sess.Rooms {
		touchRooms(types.RoomName(rn))
	}

	if err := c.save(ctx, id, sess, types.DefaultSessionTTLGrace); err != nil {
		return err
	}

	c.scheduleCleanup(id)
	return nil
}

func (c *Coordinator) save(ctx context.Context, id types.ClientID, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.store.SaveClientSession(ctx, id, data, ttl)
}

// scheduleCleanup arms a timer that runs Cleanup after the grace period.
// Any existing timer for id is stopped first.
func (c *Coordinator) scheduleCleanup(id types.ClientID) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.Stop()
	}
	c.timers[id] = time.AfterFunc(c.gracePeriod, func() {
		c.timersMu.Lock()
		delete(c.timers, id)
		c.timersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Cleanup(ctx, id)
	})
}

func (c *Coordinator) cancelTimer(id types.ClientID) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
}

// Cleanup performs the post-grace removal: drop the client from every room
// it had joined, ask the registry to evict each of those rooms, and delete
// the session key. A room that only now became empty is not evicted here,
// since its own grace period starts at this removal; the sweep loop or the
// hub's eviction timer removes it later. Safe to call directly (e.g. from
// tests) without going through the timer.
func (c *Coordinator) Cleanup(ctx context.Context, id types.ClientID) {
	sess, err := c.Get(ctx, id)
	if err != nil {
		logging.Warn(ctx, "session read degraded during cleanup", zap.String("client", string(id)), zap.Error(err))
	}
	if sess != nil {
		for _, rn := range sess.Rooms {
			name := types.RoomName(rn)
			if r, ok := c.registry.Get(name); ok {
				r.RemoveClient(id)
				if err := c.registry.RemoveIfEvictable(ctx, name, c.gracePeriod); err != nil {
					logging.Warn(ctx, "room eviction failed after client cleanup",
						zap.String("room", rn), zap.Error(err))
				}
			}
		}
	}

	if err := c.store.DeleteClientSession(ctx, id); err != nil {
		logging.Warn(ctx, "session delete degraded", zap.String("client", string(id)), zap.Error(err))
	}
}

func containsRoom(rooms []string, name string) bool {
	for _, r := range rooms {
		if r == name {
			return true
		}
	}
	return false
}

func removeRoom(rooms []string, name string) []string {
	out := rooms[:0]
	for _, r := range rooms {
		if r != name {
			out = append(out, r)
		}
	}
	return out
}
