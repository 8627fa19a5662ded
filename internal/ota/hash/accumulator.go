// Package hash feeds firmware bytes into a running SHA-256 as they arrive,
// so an image is verified without ever being held in memory.
package hash

import (
	"crypto/sha256"
	gohash "hash"
)

// Digest is a SHA-256 digest.
type Digest = [sha256.Size]byte

// Accumulator is an incremental SHA-256 context. The zero value is not
// usable; create one with New.
type Accumulator struct {
	h    gohash.Hash
	size uint64
}

func New() *Accumulator {
	a := &Accumulator{}
	a.Start()
	return a
}

// Start discards any accumulated state.
func (a *Accumulator) Start() {
	a.h = sha256.New()
	a.size = 0
}

// Update feeds p into the running digest. Any chunking of the same byte
// stream yields the same final digest.
func (a *Accumulator) Update(p []byte) {
	// hash.Hash.Write never returns an error
	_, _ = a.h.Write(p)
	a.size += uint64(len(p))
}

// Size returns the number of bytes fed since Start.
func (a *Accumulator) Size() uint64 {
	return a.size
}

// Finish returns the digest of everything fed so far. It does not reset
// the accumulator.
func (a *Accumulator) Finish() Digest {
	var d Digest
	copy(d[:], a.h.Sum(nil))
	return d
}
