package hub

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Serve pumps frames between conn and c until either side goes away. It
// returns once the connection is closed and c is unregistered.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer h.Unregister(c)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	conn.SetPongHandler(func(string) error {
		h.Touch(c)
		return conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, c)
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
		// Handler errors are already sent back to the client.
		_ = h.Dispatch(ctx, c, frame)
	}

	h.Unregister(c)
	<-writerDone
}

func (h *Hub) writePump(conn *websocket.Conn, c *Client) {
	ping := time.NewTicker(h.heartbeat / 2)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("websocket write failed", zap.String("client_id", c.ID), zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
