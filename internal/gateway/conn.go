package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Conn is a live WebSocket connection bound to one user and one chat for
// its whole lifetime. It implements registry.Conn. The write mutex
// serializes outbound frames so concurrent broadcasts never interleave
// frame bytes on the wire.
type Conn struct {
	id        string
	userID    int64
	chatID    int64
	createdAt time.Time

	raw          net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func newConn(raw net.Conn, userID, chatID int64, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.New().String(),
		userID:       userID,
		chatID:       chatID,
		createdAt:    time.Now(),
		raw:          raw,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// UserID returns the authenticated owner of the connection.
func (c *Conn) UserID() int64 { return c.userID }

// ChatID returns the conversation this connection is bound to.
func (c *Conn) ChatID() int64 { return c.chatID }

// Send writes one WebSocket text frame.
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := wsutil.WriteServerMessage(c.raw, ws.OpText, data)
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Time{})
	}
	return err
}

// errPeerClosed ends the read loop when the peer sends a close frame. It is
// deliberately not io.EOF: an EOF from a frame handler would read as a clean
// end-of-message instead of a terminated connection.
var errPeerClosed = errors.New("gateway: peer closed connection")

// handleControl answers one protocol-level control frame read off the
// connection. Pong replies go through the same write lock as data frames, so
// a ping arriving mid-broadcast can never interleave its reply bytes with a
// data frame on the wire. A close frame ends the read loop; pongs from the
// peer are drained and dropped.
func (c *Conn) handleControl(hdr ws.Header, rd io.Reader) error {
	switch hdr.OpCode {
	case ws.OpPing:
		payload, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		return c.writePong(payload)
	case ws.OpClose:
		_, _ = io.Copy(io.Discard, rd)
		return errPeerClosed
	default:
		_, err := io.Copy(io.Discard, rd)
		return err
	}
}

// writePong sends a pong frame echoing the ping payload.
func (c *Conn) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := ws.WriteFrame(c.raw, ws.NewPongFrame(payload))
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Time{})
	}
	return err
}

// CloseWithStatus sends a close frame with the given status code before
// closing the transport. Errors are ignored: the peer may already be gone.
func (c *Conn) CloseWithStatus(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
	_ = ws.WriteFrame(c.raw, frame)
	c.writeMu.Unlock()
	return c.raw.Close()
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.raw.Close()
}
