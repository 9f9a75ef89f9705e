package ssaead

import (
	"crypto/sha1"
	"io"

	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the literal HKDF info string fixed by the Shadowsocks AEAD
// wire format; it must not change between implementations that interoperate.
var subkeyInfo = []byte("ss-subkey")

// SubKey derives a per-direction subkey from the master key and a salt of
// suite.SaltLen bytes, via HKDF-SHA1 Salt is generated fresh
// by the sender and read off the wire by the receiver; the subkey itself is
// never cached, only the master key is.
func SubKey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	out := make([]byte, keyLen)
	r := hkdf.New(sha1.New, masterKey, salt, subkeyInfo)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
