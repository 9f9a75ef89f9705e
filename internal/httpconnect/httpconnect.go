// Package httpconnect implements the HTTP CONNECT front-end: it accepts a plain
// "CONNECT host:port HTTP/1.1" request, replies with a tunnel-established
// status line, and hands the raw connection off to the same relay path the
// SOCKS5 front-end uses, by synthesizing the equivalent address header.
//
// Parses a line-oriented HTTP request the same way the SOCKS5 front-end
// parses its binary request: read, validate, reply or fail. Uses
// net/textproto for MIME-style header parsing without pulling in a full
// net/http server loop.
package httpconnect

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/postalsys/shadowgate/internal/socksaddr"
)

// Sentinel errors, mirroring socks5's protocol-violation taxonomy.
var (
	ErrNotConnect  = errors.New("httpconnect: only CONNECT is supported")
	ErrMalformed   = errors.New("httpconnect: malformed request line")
	ErrInvalidPort = errors.New("httpconnect: invalid port in CONNECT target")
)

// Request is the parsed CONNECT target, shaped like socks5.Request so the
// relay wiring in internal/localpeer can treat both front-ends uniformly.
type Request struct {
	Header      socksaddr.Header
	HeaderBytes []byte

	// Conn is conn wrapped so that any bytes bufio pulled from the socket
	// past the end of the header block (a pipelining client that didn't
	// wait for the 200 response) are replayed before further reads, the
	// same way the relay must never drop bytes that already arrived.
	Conn net.Conn
}

// ReadRequest reads and parses one HTTP CONNECT request line plus its
// (discarded) header block. It does not write a reply; the caller decides
// success or failure after attempting to reach the destination.
func ReadRequest(conn net.Conn) (*Request, error) {
	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("httpconnect: read request line: %w", err)
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, ErrMalformed
	}
	if !strings.EqualFold(parts[0], "CONNECT") {
		return nil, ErrNotConnect
	}

	host, portStr, err := net.SplitHostPort(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, parts[1])
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPort, portStr)
	}

	// Drain the remaining header block; CONNECT carries no body of
	// interest to the tunnel.
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return nil, fmt.Errorf("httpconnect: read headers: %w", err)
	}

	var kind byte = socksaddr.TypeDomain
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			kind = socksaddr.TypeIPv4
		} else {
			kind = socksaddr.TypeIPv6
		}
	}

	headerBytes, err := socksaddr.Emit(kind, host, uint16(port))
	if err != nil {
		return nil, fmt.Errorf("httpconnect: synthesize address header: %w", err)
	}
	header, _, err := socksaddr.Parse(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("httpconnect: parse synthesized header: %w", err)
	}

	wrapped := conn
	if n := reader.Buffered(); n > 0 {
		leftover := make([]byte, n)
		if _, err := reader.Read(leftover); err != nil {
			return nil, fmt.Errorf("httpconnect: drain buffered bytes: %w", err)
		}
		wrapped = &prefixConn{Conn: conn, prefix: leftover}
	}

	return &Request{Header: header, HeaderBytes: headerBytes, Conn: wrapped}, nil
}

// prefixConn replays a leftover byte slice before resuming reads from the
// wrapped net.Conn, so bytes bufio.Reader pulled ahead of the header block
// are never silently dropped.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// WriteEstablished replies with the standard CONNECT success response.
func WriteEstablished(conn net.Conn) error {
	_, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	return err
}

// WriteFailure replies with a CONNECT failure response. status is the HTTP
// status line text, e.g. "502 Bad Gateway".
func WriteFailure(conn net.Conn, status string) error {
	_, err := conn.Write([]byte(fmt.Sprintf("HTTP/1.1 %s\r\n\r\n", status)))
	return err
}
