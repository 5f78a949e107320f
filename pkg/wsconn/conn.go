// Package wsconn adapts a gorilla WebSocket connection to net.Conn so the
// frame codec runs over it unchanged. Both ends send binary messages only;
// frames may span or share messages.
package wsconn

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextMessage is returned by Read when the peer sends a text message
var ErrTextMessage = errors.New("websocket: text message on binary stream")

// Conn implements net.Conn over a *websocket.Conn
type Conn struct {
	ws      *websocket.Conn
	readMu  sync.Mutex
	readBuf bytes.Buffer
	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ net.Conn = (*Conn)(nil)

// New wraps ws
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read fills b from buffered message data, reading the next binary message
// when the buffer is empty. A normal close from the peer reads as io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		kind, data, err := c.ws.ReadMessage()
		switch {
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			return 0, io.EOF
		case err != nil:
			return 0, err
		case kind != websocket.BinaryMessage:
			return 0, ErrTextMessage
		}
		c.readBuf.Write(data)
	}
	return c.readBuf.Read(b)
}

// Write sends b as one binary message
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame when possible and closes the socket.
// Later calls return nil.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
