package relay

import (
	"fmt"

	"github.com/postalsys/shadowgate/internal/ssaead"
)

// NewOutboundEncryptor builds a fresh Encryptor for one direction of a
// tunnel: a random per-stream salt, the subkey derived from it, and the
// Encryptor bound to both. Both peers call this once per session, for
// their own write direction.
func NewOutboundEncryptor(suite ssaead.CipherSuite, masterKey []byte) (*ssaead.Encryptor, error) {
	salt, err := ssaead.NewRandomSalt(suite.SaltLen)
	if err != nil {
		return nil, fmt.Errorf("relay: generate salt: %w", err)
	}
	subkey, err := ssaead.SubKey(masterKey, salt, suite.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("relay: derive subkey: %w", err)
	}
	enc, err := ssaead.NewEncryptor(suite, subkey, salt)
	if err != nil {
		return nil, fmt.Errorf("relay: build encryptor: %w", err)
	}
	return enc, nil
}
