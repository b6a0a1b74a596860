package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal/internal/v1/persistence"
	"github.com/offbit-ai/zeal/internal/v1/registry"
	"github.com/offbit-ai/zeal/internal/v1/room"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

func newTestCoordinator(t *testing.T, grace time.Duration) (*Coordinator, *registry.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store, err := persistence.NewStore(mr.Addr(), "", false)
	require.NoError(t, err)

	reg := registry.New(store, room.Config{MaxClients: 10, IdleTimeout: time.Minute})
	return New(store, reg, grace), reg, mr
}

func TestJoin_CreatesSessionAndTracksRoom(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.IsConnected)
	assert.Nil(t, sess.DisconnectedAt)
	assert.Equal(t, []string{"room-a"}, sess.Rooms)
}

func TestJoin_SecondRoomAppendsWithoutDuplicating(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))
	require.NoError(t, c.Join(ctx, "client-1", "room-a"))
	require.NoError(t, c.Join(ctx, "client-1", "room-b"))

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room-a", "room-b"}, sess.Rooms)
}

func TestLeave_RemovesRoomFromSession(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))
	require.NoError(t, c.Join(ctx, "client-1", "room-b"))
	require.NoError(t, c.Leave(ctx, "client-1", "room-a"))

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"room-b"}, sess.Rooms)
}

func TestLeave_UnknownClientIsNoop(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	assert.NoError(t, c.Leave(context.Background(), "ghost", "room-a"))
}

func TestExtend_RefreshesSessionTTLWithoutRewriting(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))
	mr.SetTTL("session:client-1", time.Second)

	require.NoError(t, c.Extend(ctx, "client-1"))
	assert.Equal(t, types.DefaultSessionTTLLive, mr.TTL("session:client-1"))

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"room-a"}, sess.Rooms)
}

func TestDisconnect_MarksSessionAndTouchesRooms(t *testing.T) {
	c, _, mr := newTestCoordinator(t, time.Hour)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))

	var touched []types.RoomName
	require.NoError(t, c.Disconnect(ctx, "client-1", func(rn types.RoomName) {
		touched = append(touched, rn)
	}))

	assert.Equal(t, []types.RoomName{"room-a"}, touched)

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, sess.IsConnected)
	require.NotNil(t, sess.DisconnectedAt)
}

func TestJoin_AfterDisconnectCancelsGraceCleanup(t *testing.T) {
	c, reg, mr := newTestCoordinator(t, 10*time.Millisecond)
	defer mr.Close()
	ctx := context.Background()

	r, err := reg.GetOrCreate(ctx, "room-a")
	require.NoError(t, err)
	require.NoError(t, r.AddClient("client-1"))
	require.NoError(t, c.Join(ctx, "client-1", "room-a"))

	require.NoError(t, c.Disconnect(ctx, "client-1", func(types.RoomName) {}))

	// Reconnect before the grace timer fires.
	require.NoError(t, c.Join(ctx, "client-1", "room-a"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, r.HasClient("client-1"), "rejoin should have cancelled the scheduled cleanup")
}

func TestCleanup_RemovesClientFromEveryJoinedRoom(t *testing.T) {
	c, reg, mr := newTestCoordinator(t, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	ra, err := reg.GetOrCreate(ctx, "room-a")
	require.NoError(t, err)
	require.NoError(t, ra.AddClient("client-1"))
	rb, err := reg.GetOrCreate(ctx, "room-b")
	require.NoError(t, err)
	require.NoError(t, rb.AddClient("client-1"))

	require.NoError(t, c.Join(ctx, "client-1", "room-a"))
	require.NoError(t, c.Join(ctx, "client-1", "room-b"))

	c.Cleanup(ctx, "client-1")

	assert.False(t, ra.HasClient("client-1"))
	assert.False(t, rb.HasClient("client-1"))

	sess, err := c.Get(ctx, "client-1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestCleanup_FiresAutomaticallyAfterGracePeriod(t *testing.T) {
	c, reg, mr := newTestCoordinator(t, 10*time.Millisecond)
	defer mr.Close()
	ctx := context.Background()

	r, err := reg.GetOrCreate(ctx, "room-a")
	require.NoError(t, err)
	require.NoError(t, r.AddClient("client-1"))
	require.NoError(t, c.Join(ctx, "client-1", "room-a"))

	require.NoError(t, c.Disconnect(ctx, "client-1", func(types.RoomName) {}))

	assert.Eventually(t, func() bool {
		return !r.HasClient("client-1")
	}, time.Second, 5*time.Millisecond)
}
