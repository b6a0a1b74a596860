// Package registry implements a process-wide map from room name to Room,
// materializing rooms lazily on first join under a double-checked lock so
// concurrent joins to a brand-new room never race to construct it twice.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/metrics"
	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"github.com/offbit-ai/zeal/internal/v1/room"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

// Registry is the process-wide room table.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.RoomName]*room.Room

	store      *persistence.Store
	roomConfig room.Config
}

// New builds an empty Registry. Every room it creates shares roomConfig
// (capacity, idle timeout, presence guard) and store.
func New(store *persistence.Store, roomConfig room.Config) *Registry {
	return &Registry{
		rooms:      make(map[types.RoomName]*room.Room),
		store:      store,
		roomConfig: roomConfig,
	}
}

// GetOrCreate returns the named room, constructing and hydrating it from
// PS on first use. Concurrent calls for the same name never construct more
// than one Room; losers observe the winner's instance.
func (reg *Registry) GetOrCreate(ctx context.Context, name types.RoomName) (*room.Room, error) {
	reg.mu.RLock()
	if r, ok := reg.rooms[name]; ok {
		reg.mu.RUnlock()
		return r, nil
	}
	reg.mu.RUnlock()

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[name]; ok {
		return r, nil
	}

	r := room.New(name, reg.store, reg.roomConfig)
	if err := r.LoadFromSnapshot(ctx); err != nil {
		// LoadFromSnapshot only returns errors the operator has configured
		// as fatal; default policy (implemented in room.LoadFromSnapshot)
		// is to log and continue, so this path is effectively unreachable
		// today but kept so a future fatal policy has somewhere to surface.
		return nil, err
	}

	reg.rooms[name] = r
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room created", zap.String("room", string(name)))
	return r, nil
}

// RemoveIfEvictable removes name from the registry iff its Room reports
// Evictable (empty, marked, grace elapsed) and a final snapshot save
// succeeds. Save failure leaves the room resident.
func (reg *Registry) RemoveIfEvictable(ctx context.Context, name types.RoomName, grace time.Duration) error {
	reg.mu.RLock()
	r, ok := reg.rooms[name]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}

	if !r.ShouldBeRemoved(grace) {
		return nil
	}

	if err := r.SaveSnapshot(ctx); err != nil {
		return err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	// Re-check under the write lock: a client may have rejoined between
	// the read above and here.
	if r2, ok := reg.rooms[name]; ok && r2 == r && r.ShouldBeRemoved(grace) {
		delete(reg.rooms, name)
		metrics.ActiveRooms.Dec()
		metrics.RoomsEvicted.WithLabelValues("grace_elapsed").Inc()
		metrics.RoomClients.DeleteLabelValues(string(name))
		logging.Info(ctx, "room evicted", zap.String("room", string(name)))
	}
	return nil
}

// Iterate calls fn once per currently-registered room, over a snapshot
// slice taken under the read lock — fn runs with no registry lock held.
func (reg *Registry) Iterate(fn func(*room.Room)) {
	reg.mu.RLock()
	snapshot := make([]*room.Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		snapshot = append(snapshot, r)
	}
	reg.mu.RUnlock()

	for _, r := range snapshot {
		fn(r)
	}
}

// RoomDetail is one entry of the /stats room breakdown.
type RoomDetail struct {
	Name    string `json:"name"`
	Clients int    `json:"clients"`
}

// Stats reports the room count, total client count, and a per-room
// breakdown, for the /stats endpoint.
func (reg *Registry) Stats() (rooms int, totalClients int, detail []RoomDetail) {
	reg.Iterate(func(r *room.Room) {
		n := r.ClientCount()
		rooms++
		totalClients += n
		detail = append(detail, RoomDetail{Name: string(r.Name), Clients: n})
	})
	return rooms, totalClients, detail
}

// Get returns the room if already registered, without creating it.
func (reg *Registry) Get(name types.RoomName) (*room.Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[name]
	return r, ok
}
