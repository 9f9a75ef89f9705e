package relay

import (
	"fmt"
	"io"

	"github.com/postalsys/shadowgate/internal/socksaddr"
	"github.com/postalsys/shadowgate/internal/ssaead"
)

// AwaitAddress implements the server peer's first-payload hand-off and
// pre-connect buffering: it reads the address header out of dec's first
// decrypted frame, then immediately resumes the Decryptor and starts
// draining it in the background into an io.Pipe, so any plaintext that
// arrives while the caller is still dialing upstream is captured and
// replayed in order once the caller starts reading from the returned
// io.Reader.
//
// io.Pipe has no internal buffer, so buffering is bounded only by natural
// backpressure: the background drain holds its pending bytes blocked in
// pw.Write until the caller's eventual io.Copy starts reading pr, and an EOF
// or error the drain hits is passed on through pw.CloseWithError, so pr
// reports it only after the bytes written before it have been read.
func AwaitAddress(dec *ssaead.Decryptor) (socksaddr.Header, io.Reader, error) {
	first, err := dec.AwaitFirstPayload()
	if err != nil {
		return socksaddr.Header{}, nil, fmt.Errorf("relay: await first payload: %w", err)
	}

	header, remainder, err := socksaddr.Parse(first)
	if err != nil {
		return socksaddr.Header{}, nil, fmt.Errorf("relay: parse address header: %w", err)
	}

	pr, pw := io.Pipe()
	dec.Resume()

	go func() {
		if len(remainder) > 0 {
			if _, err := pw.Write(remainder); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		_, err := io.Copy(pw, dec)
		pw.CloseWithError(err)
	}()

	return header, pr, nil
}
