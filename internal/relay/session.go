// Package relay implements the bidirectional relay engine (component F):
// it binds a plaintext-facing socket, the AEAD codec, and the encrypted
// tunnel into one full-duplex session with deterministic teardown.
package relay

import "sync/atomic"

var nextSessionID atomic.Uint64

// NewSessionID returns a process-wide monotonic session identifier, used
// only for log correlation.
func NewSessionID() uint64 {
	return nextSessionID.Add(1)
}
