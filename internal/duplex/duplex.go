// Package duplex implements the transport abstraction (component G): a
// ByteDuplex capability that the AEAD codec and relay engine depend on
// instead of a concrete socket type, with realizations over plain TCP and
// over WebSocket binary messages treated as an opaque byte stream.
package duplex

import (
	"io"
	"net"
	"time"
)

// ByteDuplex is the minimal capability the codec and relay engine need:
// read, write, half-close, full close, and deadline control for the
// inactivity timer. Concrete variants are {Tcp, WebSocket}.
type ByteDuplex interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the write side, signaling EOF to the peer
	// without tearing down the read side. TCP sockets support this
	// natively; the WebSocket realization emulates it with a close frame.
	CloseWrite() error

	// Close fully closes the duplex in both directions.
	Close() error

	// SetDeadline arms the inactivity timer on both directions.
	SetDeadline(t time.Time) error
}

// halfCloser matches *net.TCPConn's CloseWrite.
type halfCloser interface {
	CloseWrite() error
}

// TCP adapts a net.Conn (expected to be *net.TCPConn in practice) into a
// ByteDuplex.
type TCP struct {
	net.Conn
}

// NewTCP wraps an already-connected net.Conn.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{Conn: conn}
}

// CloseWrite half-closes the underlying connection if it supports it;
// otherwise it falls back to a full close.
func (t *TCP) CloseWrite() error {
	if hc, ok := t.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return t.Conn.Close()
}
