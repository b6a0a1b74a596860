package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/offbit-ai/zeal/internal/v1/logging"
	"github.com/offbit-ai/zeal/internal/v1/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 20 // 1 MiB, generous headroom over the 50000-byte presence cap
)

// Client is one WebSocket connection's read/write adapter. Its clientID is
// established by the first crdt:join envelope it sends, not by any
// transport-level identifier — the socket may be replaced across a
// reconnect while the same clientID resumes its session within the grace
// window.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	id          types.ClientID
	joinedRooms set.Set[types.RoomName]
}

// sendJSON marshals v as an Envelope (or any JSON value) and queues it for
// delivery. It never blocks the caller on a slow reader; a full send
// buffer drops the connection rather than stall the room.
func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "envelope marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		close(c.send)
	}
}

// readPump pumps inbound frames from the socket to the hub's join/message/
// leave handlers. It owns the connection's lifetime: when it returns, the
// socket is closed and a disconnect is reported to the hub.
func (c *Client) readPump() {
	ctx := context.Background()
	defer func() {
		c.hub.disconnect(ctx, c, c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug(ctx, "websocket read error", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logging.Debug(ctx, "malformed envelope dropped", zap.Error(err))
			continue
		}

		switch env.Event {
		case eventJoin:
			if env.ClientID != "" {
				c.id = types.ClientID(env.ClientID)
			}
			if c.id == "" || env.RoomName == "" {
				continue
			}
			c.hub.joinRoom(ctx, c, types.RoomName(env.RoomName), c.id)

		case eventMessage:
			if c.id == "" || env.RoomName == "" {
				continue
			}
			c.hub.handleMessage(ctx, c, types.RoomName(env.RoomName), c.id, []byte(env.Payload))

		case eventLeave:
			if c.id == "" || env.RoomName == "" {
				continue
			}
			c.hub.leaveRoom(ctx, c, types.RoomName(env.RoomName), c.id)

		default:
			// Unknown event names are ignored rather than rejected, giving
			// future event types room to be added without breaking older
			// clients.
		}
	}
}

// writePump drains the client's send channel to the socket and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
