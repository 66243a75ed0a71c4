package binkp

import (
	"io"
	"net"
	"time"
)

// Connection is a blocking, timeout-aware duplex byte channel to a peer.
// The TCP implementation wraps net.Conn; tests use net.Pipe() directly
// since it already satisfies the same net.Conn surface.
type Connection interface {
	// Receive reads up to len(buf) bytes, blocking until at least one byte
	// arrives, the peer closes (reported as a "closed" ConnError, not as
	// n==0 with a nil error), or deadline elapses. Short reads are permitted.
	Receive(buf []byte, deadline time.Time) (int, error)
	// Send writes len(buf) bytes, blocking until the deadline.
	Send(buf []byte, deadline time.Time) (int, error)
	// ReadU8 reads exactly one byte.
	ReadU8(deadline time.Time) (byte, error)
	// ReadU16BE reads exactly two bytes as a big-endian uint16.
	ReadU16BE(deadline time.Time) (uint16, error)
	// Close is idempotent and flips IsOpen to false.
	Close() error
	// IsOpen reports whether Close has been called yet.
	IsOpen() bool
	// Underlying exposes the wrapped net.Conn for TCP-specific shutdown
	// sequencing (graceful half-close). For non-TCP conns (e.g. net.Pipe)
	// it is still the wrapped conn, so callers type-assert for *net.TCPConn.
	Underlying() net.Conn
}

// TCPConnection adapts a net.Conn (a real socket, or net.Pipe() in tests)
// to the Connection interface.
type TCPConnection struct {
	conn net.Conn
	open bool
}

// NewConnection wraps an already-connected net.Conn.
func NewConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{conn: conn, open: true}
}

func (c *TCPConnection) Receive(buf []byte, deadline time.Time) (int, error) {
	if !c.open {
		return 0, newConnError("receive", "closed", nil)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, newConnError("receive", "io", err)
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		return n, wrapReadErr("receive", err)
	}
	return n, nil
}

func (c *TCPConnection) Send(buf []byte, deadline time.Time) (int, error) {
	if !c.open {
		return 0, newConnError("send", "closed", nil)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return 0, newConnError("send", "io", err)
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		return n, wrapReadErr("send", err)
	}
	return n, nil
}

func (c *TCPConnection) ReadU8(deadline time.Time) (byte, error) {
	var buf [1]byte
	if err := c.readFull(buf[:], deadline, "read_u8"); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (c *TCPConnection) ReadU16BE(deadline time.Time) (uint16, error) {
	var buf [2]byte
	if err := c.readFull(buf[:], deadline, "read_u16_be"); err != nil {
		return 0, err
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

// readFull loops Receive until buf is full, the peer closes, or the
// deadline elapses — callers of Receive are expected to loop themselves;
// this is the looping helper the frame codec relies on for exact reads.
func (c *TCPConnection) readFull(buf []byte, deadline time.Time, op string) error {
	if !c.open {
		return newConnError(op, "closed", nil)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return newConnError(op, "io", err)
	}
	_, err := io.ReadFull(c.conn, buf)
	if err != nil {
		return wrapReadErr(op, err)
	}
	return nil
}

func (c *TCPConnection) Close() error {
	if !c.open {
		return nil
	}
	c.open = false
	return c.conn.Close()
}

func (c *TCPConnection) IsOpen() bool { return c.open }

func (c *TCPConnection) Underlying() net.Conn { return c.conn }

func wrapReadErr(op string, err error) error {
	if err == io.EOF {
		return newConnError(op, "closed", err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return newConnError(op, "timeout", err)
	}
	return newConnError(op, "io", err)
}
