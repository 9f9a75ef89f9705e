package relay

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/postalsys/shadowgate/internal/ssaead"
)

// Stats reports the bytes moved in each direction during one Pipe call, for
// the session-end summary log line and the bytes-transferred metrics.
type Stats struct {
	BytesOut int64 // plaintext -> tunnel
	BytesIn  int64 // tunnel -> plaintext
}

// deadlines is satisfied by duplex.ByteDuplex; kept narrow so this package
// doesn't need to import duplex for anything but the interface shape used
// here.
type deadlines interface {
	SetDeadline(t time.Time) error
}

// deadlineReader refreshes the inactivity deadline on dl before every Read,
// so the timeout measures idle time rather than total session duration,
// rearmed on every read instead of once at accept.
type deadlineReader struct {
	r       io.Reader
	dl      deadlines
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		d.dl.SetDeadline(time.Now().Add(d.timeout))
	}
	return d.r.Read(p)
}

// encryptingWriter adapts an Encryptor over an underlying io.Writer into a
// plain io.Writer, so the plaintext->tunnel direction can be driven by a
// stdlib io.Copy exactly like the cipher->plaintext direction is driven by
// the Decryptor's own io.Reader.
type encryptingWriter struct {
	w   io.Writer
	enc *ssaead.Encryptor
}

func (e *encryptingWriter) Write(p []byte) (int, error) {
	return e.enc.WriteTo(e.w, p)
}

// halfCloser mirrors duplex.ByteDuplex's CloseWrite, kept local to avoid an
// import cycle concern.
type halfCloser interface {
	CloseWrite() error
}

// Pipe wires plain (the plaintext-facing socket: the SOCKS5/HTTP CONNECT
// client on the local peer, or the destination socket on the server peer)
// to cipher (the encrypted tunnel) through enc and dec, and returns once
// both directions have ended. When one direction ends, for any reason
// (client error, client EOF, tunnel error, tunnel EOF, decrypt auth
// failure, or inactivity timeout), it half-closes the opposite socket's
// write side via CloseWrite. The other direction is not cancelled: it keeps
// running until its own source reaches EOF, fails, or hits the inactivity
// deadline. Pipe closes neither socket fully; its callers do that after it
// returns.
//
// in is the source of already-decrypted plaintext for the tunnel->plain
// direction: either dec itself (local peer, and the server peer before any
// first-payload hand-off is needed) or the io.Reader returned by
// AwaitAddress (server peer, once pre-connect buffering is in play). Either
// way it must ultimately be fed by dec reading from cipher. timeout of zero
// disables the inactivity deadline.
func Pipe(plain, cipher interface {
	io.Reader
	io.Writer
	halfCloser
	deadlines
}, enc *ssaead.Encryptor, in io.Reader, timeout time.Duration) (Stats, error) {
	type result struct {
		n   int64
		err error
	}
	outCh := make(chan result, 1)
	inCh := make(chan result, 1)

	go func() {
		n, err := io.Copy(&encryptingWriter{w: cipher, enc: enc}, &deadlineReader{r: plain, dl: plain, timeout: timeout})
		cipher.CloseWrite()
		outCh <- result{n, err}
	}()

	go func() {
		n, err := io.Copy(plain, &deadlineReader{r: in, dl: cipher, timeout: timeout})
		plain.CloseWrite()
		inCh <- result{n, err}
	}()

	out := <-outCh
	inRes := <-inCh

	stats := Stats{BytesOut: out.n, BytesIn: inRes.n}

	if out.err != nil && out.err != io.EOF {
		return stats, fatal(classify(out.err), out.err)
	}
	if inRes.err != nil && inRes.err != io.EOF {
		if isCodecErr(inRes.err) {
			return stats, fatal(KindCodec, inRes.err)
		}
		return stats, fatal(classify(inRes.err), inRes.err)
	}
	return stats, nil
}

func isCodecErr(err error) bool {
	return err == ssaead.ErrTagMismatch || err == ssaead.ErrBadLength || err == ssaead.ErrShortSalt
}

// classify distinguishes an inactivity-timeout deadline expiring (a
// graceful end per the error taxonomy) from any other transport failure.
func classify(err error) Kind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransport
}
