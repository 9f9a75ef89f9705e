package duplex

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a *websocket.Conn into a ByteDuplex: each inbound binary
// message is appended to a read-side carry buffer (so callers can Read in
// any chunk size they like, absorbing message boundaries the same way a
// TCP stream absorbs packet boundaries) and each Write becomes exactly one
// outbound binary message.
//
// Built on github.com/gorilla/websocket (see DESIGN.md for the library
// choice).
type WebSocket struct {
	conn *websocket.Conn

	readMu sync.Mutex
	carry  []byte

	writeMu sync.Mutex

	closeOnce sync.Once
}

// NewWebSocket wraps an established *websocket.Conn.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Read implements io.Reader, pulling additional WebSocket binary messages
// as needed to satisfy the caller's buffer.
func (w *WebSocket) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if len(w.carry) == 0 {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			return 0, fmt.Errorf("duplex: unexpected WebSocket message type %d", msgType)
		}
		w.carry = data
	}

	n := copy(p, w.carry)
	w.carry = w.carry[n:]
	return n, nil
}

// Write implements io.Writer, sending p as one binary message.
func (w *WebSocket) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite emulates half-close by sending a WebSocket close control
// frame; the underlying TCP connection and read side stay open until Close.
func (w *WebSocket) CloseWrite() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	return w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// Close fully closes the underlying connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close()
	})
	return err
}

// SetDeadline arms both read and write deadlines on the underlying
// connection, used by the relay engine's inactivity timer.
func (w *WebSocket) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}

// DialOptions configures an outbound WebSocket tunnel dial (local peer ->
// server peer).
type DialOptions struct {
	// InsecureSkipVerify disables certificate verification for wss://
	// endpoints, for self-signed lab deployments.
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Dial opens a WebSocket tunnel to a ws:// or wss:// URL and returns it as
// a ByteDuplex.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*WebSocket, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("duplex: invalid WebSocket URL %q: %w", rawURL, err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: opts.Timeout,
	}
	if opts.Timeout == 0 {
		dialer.HandshakeTimeout = 30 * time.Second
	}
	if opts.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("duplex: WebSocket dial %s: %w", rawURL, err)
	}
	return NewWebSocket(conn), nil
}

// Upgrader wraps gorilla's HTTP->WebSocket upgrader for the server peer's
// tunnel listener.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader with generous buffer sizes, large enough
// for a full AEAD frame.
func NewUpgrader() *Upgrader {
	return &Upgrader{upgrader: websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}}
}

// Upgrade promotes an incoming HTTP request to a WebSocket ByteDuplex.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocket, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("duplex: WebSocket upgrade: %w", err)
	}
	return NewWebSocket(conn), nil
}

// ListenerOptions configures the server peer's WebSocket tunnel listener.
type ListenerOptions struct {
	Path    string // HTTP path the tunnel is served on, default "/tunnel"
	TLSCert string // optional, enables wss://
	TLSKey  string
}

// DefaultPath is the fallback WebSocket tunnel path when configuration
// leaves it empty.
const DefaultPath = "/tunnel"
