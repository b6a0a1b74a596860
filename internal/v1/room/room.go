// Package room implements the Room (R) component: the unit of
// collaboration holding one CRDT replica, a presence table, a
// client-liveness table, and the eviction state machine. Grounded on the
// teacher's internal/v1/session/room.go — same mutex-guarded-map idiom,
// with the empty-room lifecycle kept as a removal mark rather than a
// callback — generalized from per-role
// participant maps to a client/presence pair and widened from a single
// coarse lock to two independent maps plus one replica lock, so presence
// churn never blocks client-liveness bookkeeping or vice versa.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offbit-ai/zeal/internal/v1/crdtdoc"
	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/metrics"
	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"github.com/offbit-ai/zeal/internal/v1/syncproto"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

// Config is the per-room configuration snapshot taken at construction time
// (capacity, idle timeout, presence guard). Whether the snapshot is kept
// without a TTL is derived from the room name, not from Config.
type Config struct {
	MaxClients  int
	IdleTimeout time.Duration
	Guard       PresenceGuardConfig
}

// Room is the unit of collaboration: one CRDT replica (internal/v1/crdtdoc)
// plus two independent concurrent tables (clients, presence) — neither
// table shares a lock with the replica.
type Room struct {
	Name types.RoomName
	doc  *crdtdoc.Doc
	cfg  Config
	store *persistence.Store

	clientsMu sync.RWMutex
	clients   map[types.ClientID]time.Time

	presenceMu sync.RWMutex
	presence   map[types.ClientID][]byte

	colorMu sync.Mutex
	colors  map[types.ClientID]string
	nextColor int

	lifecycleMu        sync.Mutex
	lastActivity       time.Time
	markedForRemoval   *time.Time
}

// New constructs an empty Room bound to store. Callers should follow with
// LoadFromSnapshot before admitting joiners.
func New(name types.RoomName, store *persistence.Store, cfg Config) *Room {
	return &Room{
		Name:         name,
		doc:          crdtdoc.New(),
		cfg:          cfg,
		store:        store,
		clients:      make(map[types.ClientID]time.Time),
		presence:     make(map[types.ClientID][]byte),
		colors:       make(map[types.ClientID]string),
		lastActivity: time.Now(),
	}
}

// LoadFromSnapshot hydrates the replica from the persistence store. A
// missing key, decode error, or unavailable cache are all non-fatal — the
// room carries on with an empty replica.
func (r *Room) LoadFromSnapshot(ctx context.Context) error {
	data, err := r.store.GetRoomState(ctx, r.Name)
	if err != nil {
		logging.Warn(ctx, "room snapshot load degraded", zap.String("room", string(r.Name)), zap.Error(err))
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if err := r.doc.ApplyUpdate(data); err != nil {
		logging.Warn(ctx, "room snapshot decode failed, starting empty", zap.String("room", string(r.Name)), zap.Error(err))
	}
	return nil
}

// SaveSnapshot writes the replica's full state under a read lock of the
// replica (internal to crdtdoc.Doc), applying the store's TTL policy.
// Failures are logged and returned, so a caller that evicts only after a
// successful save keeps the room resident while saves fail.
func (r *Room) SaveSnapshot(ctx context.Context) error {
	data := r.doc.EncodeStateAsUpdate()
	if err := r.store.SaveRoomState(ctx, r.Name, data); err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		logging.Warn(ctx, "room snapshot save failed", zap.String("room", string(r.Name)), zap.Error(err))
		return err
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()
	return nil
}

// AddClient admits a client, failing with ErrAtCapacity when the room is
// full. A successful add clears any pending removal mark and returns the
// room to its active state.
func (r *Room) AddClient(id types.ClientID) error {
	r.clientsMu.Lock()
	if _, exists := r.clients[id]; !exists && len(r.clients) >= r.cfg.MaxClients {
		r.clientsMu.Unlock()
		return types.ErrAtCapacity
	}
	r.clients[id] = time.Now()
	r.clientsMu.Unlock()

	r.unmarkForRemoval()
	r.touchActivity()
	metrics.RoomClients.WithLabelValues(string(r.Name)).Set(float64(r.ClientCount()))
	return nil
}

// TouchClient updates a client's last-seen time, called on every inbound
// frame from that client (and during the disconnect grace window so the
// idle sweeper doesn't evict a gracefully-disconnected client).
func (r *Room) TouchClient(id types.ClientID) {
	r.clientsMu.Lock()
	if _, ok := r.clients[id]; ok {
		r.clients[id] = time.Now()
	}
	r.clientsMu.Unlock()
	r.touchActivity()
}

// RemoveClient erases id from clients and presence atomically: both maps
// are locked before either is mutated, so a concurrent reader never
// observes the client present in one table and absent from the other.
func (r *Room) RemoveClient(id types.ClientID) {
	r.clientsMu.Lock()
	r.presenceMu.Lock()
	delete(r.clients, id)
	delete(r.presence, id)
	empty := len(r.clients) == 0
	r.presenceMu.Unlock()
	r.clientsMu.Unlock()

	r.colorMu.Lock()
	delete(r.colors, id)
	r.colorMu.Unlock()

	metrics.RoomClients.WithLabelValues(string(r.Name)).Set(float64(r.ClientCount()))

	if empty {
		r.MarkForRemoval()
	}
}

// Sweep removes every client whose last-seen exceeds idleTimeout and
// returns the number removed.
func (r *Room) Sweep(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)

	r.clientsMu.Lock()
	var stale []types.ClientID
	for id, lastSeen := range r.clients {
		if lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(r.clients, id)
	}
	empty := len(r.clients) == 0
	r.clientsMu.Unlock()

	if len(stale) > 0 {
		r.presenceMu.Lock()
		for _, id := range stale {
			delete(r.presence, id)
		}
		r.presenceMu.Unlock()

		r.colorMu.Lock()
		for _, id := range stale {
			delete(r.colors, id)
		}
		r.colorMu.Unlock()
	}

	if empty && len(stale) > 0 {
		r.MarkForRemoval()
	}
	return len(stale)
}

// ClientCount reports the current number of tracked clients.
func (r *Room) ClientCount() int {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return len(r.clients)
}

// IsEmpty reports whether the room currently has zero clients.
func (r *Room) IsEmpty() bool {
	return r.ClientCount() == 0
}

// HasClient reports whether id is currently a member.
func (r *Room) HasClient(id types.ClientID) bool {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	_, ok := r.clients[id]
	return ok
}

// MarkForRemoval stamps marked_for_removal with the current time, entering
// the Empty-Marked state. A no-op if already marked.
func (r *Room) MarkForRemoval() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.markedForRemoval == nil {
		now := time.Now()
		r.markedForRemoval = &now
	}
}

// UnmarkForRemoval clears the pending removal mark, returning the room to
// its active state.
func (r *Room) UnmarkForRemoval() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.markedForRemoval = nil
}

func (r *Room) unmarkForRemoval() { r.UnmarkForRemoval() }

// ShouldBeRemoved reports whether the room is evictable: empty, marked, and
// the grace period has elapsed. Callers are still responsible for the
// final snapshot-save-then-remove sequencing.
func (r *Room) ShouldBeRemoved(grace time.Duration) bool {
	if !r.IsEmpty() {
		return false
	}
	r.lifecycleMu.Lock()
	marked := r.markedForRemoval
	r.lifecycleMu.Unlock()
	if marked == nil {
		return false
	}
	return time.Since(*marked) >= grace
}

func (r *Room) touchActivity() {
	r.lifecycleMu.Lock()
	r.lastActivity = time.Now()
	r.lifecycleMu.Unlock()
}

// LastActivity reports the last time any client-driven change occurred.
func (r *Room) LastActivity() time.Time {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	return r.lastActivity
}

// HandleSync runs an inbound tag-0 frame's body through the sync engine
// under the replica's own lock (owned by crdtdoc.Doc, not Room). Triggers
// an opportunistic snapshot save after a successful apply — save errors
// are logged, never surfaced.
func (r *Room) HandleSync(ctx context.Context, body []byte) ([]byte, error) {
	resp, err := syncproto.HandleMessage(r.doc, body)
	if err != nil {
		return nil, err
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.SaveSnapshot(saveCtx)
	}()
	return resp, nil
}
