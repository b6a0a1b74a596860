package transport

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal/internal/v1/coordinator"
	"github.com/offbit-ai/zeal/internal/v1/registry"
	"github.com/offbit-ai/zeal/internal/v1/room"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

func newTestServer(t *testing.T, grace time.Duration) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(nil, room.Config{MaxClients: 2, IdleTimeout: time.Minute})
	coord := coordinator.New(nil, reg, grace)
	hub := NewHub(Deps{
		Registry:    reg,
		Coordinator: coord,
		SkipAuth:    true,
		GracePeriod: grace,
	})

	router := gin.New()
	router.GET("/ws", hub.ServeWS)
	router.GET("/stats", hub.Stats)
	router.GET("/", hub.Root)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestServeWS_JoinAcksWithColor(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)
	conn := dial(t, srv)
	defer conn.Close()

	sendEnvelope(t, conn, Envelope{Event: "crdt:join", RoomName: "room-a", ClientID: "client-1"})

	var ack types.JoinAck
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &ack))

	assert.Equal(t, types.RoomName("room-a"), ack.RoomName)
	assert.Equal(t, types.ClientID("client-1"), ack.ClientID)
	assert.NotEmpty(t, ack.Color)
}

func TestServeWS_MessageBroadcastsToOtherClients(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	connA := dial(t, srv)
	defer connA.Close()
	connB := dial(t, srv)
	defer connB.Close()

	sendEnvelope(t, connA, Envelope{Event: "crdt:join", RoomName: "room-a", ClientID: "client-a"})
	readEnvelope(t, connA) // join ack

	sendEnvelope(t, connB, Envelope{Event: "crdt:join", RoomName: "room-a", ClientID: "client-b"})
	readEnvelope(t, connB) // join ack

	presence := append([]byte{byte(types.TagPresence)}, []byte("hello")...)
	sendEnvelope(t, connA, Envelope{Event: "crdt:message", RoomName: "room-a", ClientID: "client-a", Payload: presence})

	env := readEnvelope(t, connB)
	assert.Equal(t, "crdt:message", env.Event)
	assert.Equal(t, presence, []byte(env.Payload))
}

func TestServeWS_RoomAtCapacityRejectsExtraClient(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	connA := dial(t, srv)
	defer connA.Close()
	connB := dial(t, srv)
	defer connB.Close()
	connC := dial(t, srv)
	defer connC.Close()

	sendEnvelope(t, connA, Envelope{Event: "crdt:join", RoomName: "tiny-room", ClientID: "a"})
	readEnvelope(t, connA)
	sendEnvelope(t, connB, Envelope{Event: "crdt:join", RoomName: "tiny-room", ClientID: "b"})
	readEnvelope(t, connB)

	sendEnvelope(t, connC, Envelope{Event: "crdt:join", RoomName: "tiny-room", ClientID: "c"})

	connC.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := connC.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "capacity")
}

func TestServeWS_LeaveSchedulesEviction(t *testing.T) {
	srv, hub := newTestServer(t, 20*time.Millisecond)

	conn := dial(t, srv)
	defer conn.Close()
	sendEnvelope(t, conn, Envelope{Event: "crdt:join", RoomName: "room-a", ClientID: "client-1"})
	readEnvelope(t, conn)

	sendEnvelope(t, conn, Envelope{Event: "crdt:leave", RoomName: "room-a", ClientID: "client-1"})

	time.Sleep(10 * time.Millisecond)
	_, ok := hub.registry.Get("room-a")
	assert.True(t, ok, "room should still be resident before the grace period elapses")

	time.Sleep(50 * time.Millisecond)
	_, ok = hub.registry.Get("room-a")
	assert.False(t, ok, "room should be evicted once the grace period elapses")
}

func TestStats_ReportsJoinedRoomsAndClients(t *testing.T) {
	srv, hub := newTestServer(t, time.Minute)
	conn := dial(t, srv)
	defer conn.Close()

	sendEnvelope(t, conn, Envelope{Event: "crdt:join", RoomName: "room-a", ClientID: "client-1"})
	readEnvelope(t, conn)
	time.Sleep(10 * time.Millisecond) // let the join land before reading stats

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/stats", nil)
	hub.Stats(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"running"`)
	assert.Contains(t, w.Body.String(), `"rooms":1`)
	assert.Contains(t, w.Body.String(), `"totalClients":1`)
	assert.Contains(t, w.Body.String(), `"roomDetails":[{"name":"room-a","clients":1}]`)
}

func TestRoot_ReturnsServiceBanner(t *testing.T) {
	srv, _ := newTestServer(t, time.Minute)

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "Zeal CRDT Server Running", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
