package ssaead

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Encryptor is the plaintext-in, ciphertext-out half of the codec. It writes
// its salt prefix lazily on the first WriteTo call, then frames every
// input slice into MaxPayload-sized chunks, sealing each length cell and
// payload cell under the current nonce before advancing it. Safe only for
// single-writer use — a session owns exactly one Encryptor, per the
// single-ownership concurrency model.
type Encryptor struct {
	aead    cipher.AEAD
	nonce   nonce96
	salt    []byte
	wroteSalt bool
	buf     []byte
}

// NewEncryptor builds an Encryptor for suite using subkey (already derived
// via SubKey) and salt (suite.SaltLen random bytes generated by the caller —
// see NewRandomSalt).
func NewEncryptor(suite CipherSuite, subkey, salt []byte) (*Encryptor, error) {
	if len(salt) != suite.SaltLen {
		return nil, fmt.Errorf("ssaead: salt must be %d bytes, got %d", suite.SaltLen, len(salt))
	}
	aead, err := suite.newAEAD(subkey)
	if err != nil {
		return nil, err
	}
	return &Encryptor{
		aead: aead,
		salt: salt,
		buf:  make([]byte, 2+aead.Overhead()+MaxPayload+aead.Overhead()),
	}, nil
}

// NewRandomSalt generates a fresh saltLen-byte salt for a new Encryptor.
func NewRandomSalt(saltLen int) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("ssaead: generate salt: %w", err)
	}
	return salt, nil
}

// WriteTo writes plaintext to w as one or more sealed frames, prefixed by the
// salt if this is the first call. Returns the number of plaintext bytes
// consumed (always len(plaintext) on success, matching io.Writer semantics
// for a lossless sink).
func (e *Encryptor) WriteTo(w io.Writer, plaintext []byte) (int, error) {
	if !e.wroteSalt {
		if _, err := w.Write(e.salt); err != nil {
			return 0, fmt.Errorf("ssaead: write salt: %w", err)
		}
		e.wroteSalt = true
	}

	written := 0
	for len(plaintext) > 0 {
		chunk := plaintext
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		if err := e.writeFrame(w, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		plaintext = plaintext[len(chunk):]
	}
	return written, nil
}

// writeFrame seals and writes one frame: length cell under the current
// nonce, then the payload cell under the next nonce. Empty payloads are
// never emitted
func (e *Encryptor) writeFrame(w io.Writer, payload []byte) error {
	overhead := e.aead.Overhead()
	lenCellEnd := 2 + overhead
	frame := e.buf[:lenCellEnd+len(payload)+overhead]

	lenBytes := [2]byte{byte(len(payload) >> 8), byte(len(payload))}
	e.seal(frame[:0], lenBytes[:])
	e.seal(frame[:lenCellEnd], payload)

	_, err := w.Write(frame)
	return err
}

// seal appends the AEAD-sealed form of plaintext to dst using the current
// nonce, then advances the nonce. Mirrors the defer-increment pattern in
// the shadowsocks-go-1 aeadTunnel.Seal.
func (e *Encryptor) seal(dst, plaintext []byte) []byte {
	sealed := e.aead.Seal(dst, e.nonce.current(), plaintext, nil)
	e.nonce.advance()
	return sealed
}
