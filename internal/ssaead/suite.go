// Package ssaead implements the Shadowsocks AEAD stream cipher: password-based
// key derivation, per-direction subkeys, and the chunked length/payload framing
// used to turn a byte stream into an authenticated-encryption tunnel.
package ssaead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize, TagSize and MaxPayload are fixed across every cipher suite in the
// registry: all four use a 96-bit nonce, a 128-bit tag, and cap payload frames
// at 0x3FFF bytes so the 2-byte big-endian length cell never needs a high bit.
const (
	NonceSize  = 12
	TagSize    = 16
	MaxPayload = 0x3FFF
)

// CipherSuite describes one entry in the fixed AEAD registry.
type CipherSuite struct {
	Name    string
	KeyLen  int
	SaltLen int
}

// The four supported suites. KeyLen and SaltLen are always equal for these.
var (
	AES128GCM        = CipherSuite{"aes-128-gcm", 16, 16}
	AES192GCM        = CipherSuite{"aes-192-gcm", 24, 24}
	AES256GCM        = CipherSuite{"aes-256-gcm", 32, 32}
	ChaCha20Poly1305 = CipherSuite{"chacha20-poly1305", 32, 32}
)

var registry = map[string]CipherSuite{
	AES128GCM.Name:        AES128GCM,
	AES192GCM.Name:        AES192GCM,
	AES256GCM.Name:        AES256GCM,
	ChaCha20Poly1305.Name: ChaCha20Poly1305,
}

// LookupSuite resolves a configured method name to its CipherSuite.
func LookupSuite(method string) (CipherSuite, error) {
	suite, ok := registry[method]
	if !ok {
		return CipherSuite{}, fmt.Errorf("ssaead: unknown cipher method %q", method)
	}
	return suite, nil
}

// newAEAD builds the cipher.AEAD for this suite from a derived subkey. AES
// suites go through a GCM block cipher; chacha20-poly1305 has its own
// constructor in golang.org/x/crypto.
func (s CipherSuite) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != s.KeyLen {
		return nil, fmt.Errorf("ssaead: %s requires a %d-byte key, got %d", s.Name, s.KeyLen, len(key))
	}
	switch s.Name {
	case ChaCha20Poly1305.Name:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("ssaead: %s block cipher: %w", s.Name, err)
		}
		return cipher.NewGCM(block)
	}
}
