package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picogate/pkg/protocol"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// wsConn carries one frame per binary websocket message. Writes are
// serialized; reads happen on a single goroutine at a time.
type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteFrame(f protocol.ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeServer(f))
}

// ReadFrame is used during the handshake. The read is bounded by ctx
// rather than the keepalive deadline.
func (c *wsConn) ReadFrame(ctx context.Context) (protocol.ClientFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, _ := ctx.Deadline()
	c.ws.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := c.read()
	if err != nil && !protocol.IsDecodeError(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, context.DeadlineExceeded
		}
	}
	return frame, err
}

// next reads one frame under the keepalive deadline.
func (c *wsConn) next() (protocol.ClientFrame, error) {
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	return c.read()
}

func (c *wsConn) read() (protocol.ClientFrame, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt == websocket.TextMessage {
		return nil, &protocol.DecodeError{Err: protocol.ErrTextFrame}
	}
	return protocol.DecodeClient(data)
}

// keepalive arms the read deadline refresh on pong.
func (c *wsConn) keepalive() {
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
}

// ping sends pings until ctx ends or a ping fails.
func (c *wsConn) ping(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.ws.Close()
	})
}
