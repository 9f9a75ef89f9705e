// Package socks5 implements the SOCKS5 handshake state machine: RFC 1928's
// greeting/method-select/request exchange, restricted to method 0x00 (no
// auth) and command CONNECT.
//
// UDP ASSOCIATE/BIND/ICMP commands and authenticated methods beyond
// no-auth are out of scope.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/postalsys/shadowgate/internal/socksaddr"
)

// Version is the only SOCKS protocol version accepted.
const Version = 0x05

// Command codes. Only CmdConnect is supported; everything else is
// rejected with ReplyCmdNotSupported.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Method codes from RFC 1928's method-selection negotiation.
const (
	MethodNoAuth       = 0x00
	MethodNoAcceptable = 0xFF
)

// Reply codes used by this implementation
const (
	ReplySucceeded         = 0x00
	ReplyServerFailure     = 0x01
	ReplyConnectionRefused = 0x05
	ReplyCmdNotSupported   = 0x07
	ReplyAddrNotSupported  = 0x08
)

// Sentinel errors for protocol violations during the handshake.
var (
	ErrUnsupportedVersion = errors.New("socks5: unsupported protocol version")
	ErrNoAcceptableMethod = errors.New("socks5: client offered no acceptable method")
	ErrUnsupportedCommand = errors.New("socks5: unsupported command")
)

// Request is the parsed CONNECT request: the destination address header
// (component D) plus the raw header bytes, which are exactly what gets
// forwarded as the tunnel's first payload.
type Request struct {
	Header      socksaddr.Header
	HeaderBytes []byte
}

// Greet performs the version/method negotiation. It
// replies "05 00" and returns nil if method 0x00 is offered; otherwise it
// replies "05 FF", closes nothing itself (the caller owns conn lifetime),
// and returns ErrNoAcceptableMethod.
func Greet(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}
	if header[0] != Version {
		return fmt.Errorf("%w: got %d", ErrUnsupportedVersion, header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	for _, m := range methods {
		if m == MethodNoAuth {
			_, err := conn.Write([]byte{Version, MethodNoAuth})
			return err
		}
	}

	conn.Write([]byte{Version, MethodNoAcceptable})
	return ErrNoAcceptableMethod
}

// ReadRequest reads the CONNECT request. On an
// unsupported command or address type it writes the matching reply itself
// (ReplyCmdNotSupported / ReplyAddrNotSupported) before returning an error,
// since the caller has no further protocol action to take in that case.
func ReadRequest(conn net.Conn) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	if header[0] != Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, header[0])
	}
	if header[1] != CmdConnect {
		WriteReply(conn, ReplyCmdNotSupported, nil, 0)
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCommand, header[1])
	}
	// header[2] is RSV; ignored on nonzero rather than treated as fatal.

	atyp := header[3]
	addrBody, err := readAddressBody(conn, atyp)
	if err != nil {
		if errors.Is(err, socksaddr.ErrUnknownType) {
			WriteReply(conn, ReplyAddrNotSupported, nil, 0)
		}
		return nil, err
	}

	full := append([]byte{atyp}, addrBody...)
	parsedHeader, _, err := socksaddr.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("socks5: parse address: %w", err)
	}

	return &Request{Header: parsedHeader, HeaderBytes: full}, nil
}

// readAddressBody reads exactly the ATYP-specific bytes (address + port),
// without the leading ATYP byte which the caller already consumed.
func readAddressBody(conn net.Conn, atyp byte) ([]byte, error) {
	switch atyp {
	case socksaddr.TypeIPv4:
		buf := make([]byte, 4+2)
		_, err := io.ReadFull(conn, buf)
		return buf, err
	case socksaddr.TypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		rest := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return nil, err
		}
		return append(lenBuf, rest...), nil
	case socksaddr.TypeIPv6:
		buf := make([]byte, 16+2)
		_, err := io.ReadFull(conn, buf)
		return buf, err
	default:
		return nil, socksaddr.ErrUnknownType
	}
}

// WriteReply writes a SOCKS5 reply per RFC 1928, used both for immediate
// protocol-violation replies and for the deferred success/failure reply
// once the tunnel connect outcome is known.
func WriteReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	var atyp byte
	var addrBytes []byte

	if ipv4 := bindIP.To4(); ipv4 != nil {
		atyp = socksaddr.TypeIPv4
		addrBytes = ipv4
	} else if bindIP != nil {
		atyp = socksaddr.TypeIPv6
		addrBytes = bindIP
	} else {
		atyp = socksaddr.TypeIPv4
		addrBytes = make([]byte, 4)
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = Version
	buf[1] = reply
	buf[3] = atyp
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

// MapDialError maps a tunnel-connect error to the SOCKS5 reply code used
// before the positive reply has been sent: any connect
// failure maps to ReplyConnectionRefused ("05"), since no error detail may
// leak to the client.
func MapDialError(err error) byte {
	if err == nil {
		return ReplySucceeded
	}
	return ReplyConnectionRefused
}
