package ssaead

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// ErrHoldActive is returned by Read while the Decryptor is suspended after
// delivering its first-payload hand-off and before Resume is called.
var ErrHoldActive = errors.New("ssaead: decryptor suspended pending Resume")

// ErrAlreadyStarted is returned by AwaitFirstPayload if the Decryptor has
// already begun normal delivery via Read.
var ErrAlreadyStarted = errors.New("ssaead: AwaitFirstPayload called after Read")

// Decryptor is the ciphertext-in, plaintext-out half of the codec. It walks
// the AWAIT_SALT / AWAIT_LEN / AWAIT_BODY / AWAIT_BODY_TAG state machine as a
// pull-style io.Reader: each state's expected byte count is read with
// io.ReadFull from the underlying stream, which transparently absorbs
// arbitrary input chunk boundaries.
//
// A Decryptor is single-owner: one session, one underlying reader, no
// concurrent Read calls.
type Decryptor struct {
	suite     CipherSuite
	masterKey []byte
	r         io.Reader

	aead  cipher.AEAD
	nonce nonce96
	ready bool // salt consumed, subkey derived, aead built

	frameBuf []byte // scratch: len-cell + payload-cell ciphertext
	cache    []byte // decrypted bytes not yet copied out to a caller's Read buffer

	started bool // Read has been called at least once
	holding bool // true between AwaitFirstPayload and Resume
}

// NewDecryptor builds a Decryptor for suite reading ciphertext from r.
// masterKey must already be derived (see MasterKey); the salt and subkey are
// read and derived lazily on first use, per AWAIT_SALT.
func NewDecryptor(suite CipherSuite, masterKey []byte, r io.Reader) *Decryptor {
	return &Decryptor{suite: suite, masterKey: masterKey, r: r}
}

// init consumes the saltLen-byte salt prefix (AWAIT_SALT) and derives the
// subkey and AEAD instance for this direction.
func (d *Decryptor) init() error {
	if d.ready {
		return nil
	}
	salt := make([]byte, d.suite.SaltLen)
	if _, err := io.ReadFull(d.r, salt); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrShortSalt
		}
		return fmt.Errorf("ssaead: read salt: %w", err)
	}
	subkey, err := SubKey(d.masterKey, salt, d.suite.KeyLen)
	if err != nil {
		return fmt.Errorf("ssaead: derive subkey: %w", err)
	}
	aead, err := d.suite.newAEAD(subkey)
	if err != nil {
		return err
	}
	d.aead = aead
	d.frameBuf = make([]byte, 2+aead.Overhead()+MaxPayload+aead.Overhead())
	d.ready = true
	return nil
}

// AwaitFirstPayload implements the first-payload hand-off used on the server
// side to recover the destination address: it reads the salt and exactly
// one full frame, returns that frame's
// decrypted payload out-of-band, and suspends further delivery until Resume
// is called. It must be called before any call to Read, and at most once.
func (d *Decryptor) AwaitFirstPayload() ([]byte, error) {
	if d.started {
		return nil, ErrAlreadyStarted
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	payload, err := d.readFrame()
	if err != nil {
		return nil, err
	}
	d.started = true
	d.holding = true
	return payload, nil
}

// Resume ends hold mode, permitting Read to deliver subsequent frames.
// A no-op if hold mode was never entered.
func (d *Decryptor) Resume() {
	d.holding = false
}

// Read implements io.Reader. Each call decrypts at most one new frame and
// returns at most that frame's remaining plaintext, so n may be smaller
// than len(p). A clean end of the underlying stream between frames is
// returned as io.EOF. Tag verification failure and any out-of-range payload
// length are fatal and returned as the sentinel errors in errors.go; no
// partial or unauthenticated plaintext is ever copied into p.
func (d *Decryptor) Read(p []byte) (int, error) {
	if d.holding {
		return 0, ErrHoldActive
	}
	d.started = true

	if len(d.cache) == 0 {
		if err := d.init(); err != nil {
			return 0, err
		}
		payload, err := d.readFrame()
		if err != nil {
			return 0, err
		}
		d.cache = payload
	}

	n := copy(p, d.cache)
	d.cache = d.cache[n:]
	return n, nil
}

// readFrame reads and decrypts exactly one frame: AWAIT_LEN then AWAIT_BODY
// then AWAIT_BODY_TAG, in that order. The length cell is opened under the
// current nonce and its declared size is checked against 1..MaxPayload
// before that nonce is advanced, so an invalid length never moves the nonce
// state past the frames actually accepted.
func (d *Decryptor) readFrame() ([]byte, error) {
	overhead := d.aead.Overhead()
	lenCell := d.frameBuf[:2+overhead]
	if _, err := io.ReadFull(d.r, lenCell); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ssaead: read length cell: %w", err)
	}
	lenPlain, err := d.aead.Open(lenCell[:0], d.nonce.current(), lenCell, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}
	size := int(lenPlain[0])<<8 | int(lenPlain[1])
	if size == 0 || size > MaxPayload {
		return nil, ErrBadLength
	}
	d.nonce.advance()

	bodyCell := d.frameBuf[:size+overhead]
	if _, err := io.ReadFull(d.r, bodyCell); err != nil {
		return nil, fmt.Errorf("ssaead: read payload cell: %w", err)
	}
	payload, err := d.open(bodyCell[:0], bodyCell)
	if err != nil {
		return nil, ErrTagMismatch
	}
	return payload, nil
}

// open opens a payload cell under the current nonce into dst and advances
// the nonce regardless of outcome.
func (d *Decryptor) open(dst, ciphertext []byte) ([]byte, error) {
	defer d.nonce.advance()
	return d.aead.Open(dst, d.nonce.current(), ciphertext, nil)
}
