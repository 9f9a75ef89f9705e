package ssaead

import "errors"

// Sentinel errors surfaced by the decryptor state machine. All of them are
// session-fatal per the taxonomy: none are recovered by dropping bytes.
var (
	// ErrTagMismatch is returned when an AEAD tag fails to verify, on either
	// the length cell or the payload cell of a frame.
	ErrTagMismatch = errors.New("ssaead: authentication tag mismatch")

	// ErrBadLength is returned when a decrypted length cell declares a
	// payload length of zero or greater than MaxPayload.
	ErrBadLength = errors.New("ssaead: invalid payload length")

	// ErrShortSalt is returned when the underlying stream ends before a full
	// salt has been read.
	ErrShortSalt = errors.New("ssaead: truncated salt")
)
