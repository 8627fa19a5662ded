package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Sign returns the HMAC-SHA256 tag of payload under key.
func Sign(key, payload []byte) [32]byte {
	var tag [32]byte
	m := hmac.New(sha256.New, key)
	_, _ = m.Write(payload)
	copy(tag[:], m.Sum(nil))
	return tag
}

// VerifyMAC checks the chunk's tag. A chunk without a tag, or an empty key,
// passes: the image digest is the final integrity check either way.
func VerifyMAC(key []byte, c *Chunk) error {
	if c.MAC == nil || len(key) == 0 {
		return nil
	}
	want := Sign(key, c.Payload)
	if !hmac.Equal(want[:], c.MAC[:]) {
		return fmt.Errorf("%w: chunk %d mac mismatch", ErrIntegrity, c.Index)
	}
	return nil
}
