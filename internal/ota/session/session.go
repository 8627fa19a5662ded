package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/fota/internal/ota/hash"
	"github.com/autopeer-io/fota/internal/ota/partition"
	"github.com/autopeer-io/fota/internal/ota/transport"
)

// UpdateSession is the transient state of one update attempt.
type UpdateSession struct {
	ID       string
	Manifest *transport.Manifest
	Target   partition.Label
	Started  time.Time

	hasher *hash.Accumulator

	// every index below next is written and hashed
	next uint32
	// written out of order, waiting for the gap before them to close
	pending map[uint32][]byte
	window  uint32

	// Retries counts extra attempts per chunk index.
	Retries map[uint32]int
	// Attempts counts every fetch attempt of the session.
	Attempts int
}

func newSession(m *transport.Manifest, target partition.Label, window uint32, now time.Time) *UpdateSession {
	if window == 0 {
		window = 1
	}
	return &UpdateSession{
		ID:       uuid.NewString(),
		Manifest: m,
		Target:   target,
		Started:  now,
		hasher:   hash.New(),
		pending:  make(map[uint32][]byte),
		window:   window,
		Retries:  make(map[uint32]int),
	}
}

type arrival int

const (
	arrivalNew arrival = iota
	arrivalDuplicate
	arrivalOutOfWindow
)

// classify sorts an incoming chunk index.
func (s *UpdateSession) classify(index uint32) arrival {
	if s.Confirmed(index) {
		return arrivalDuplicate
	}
	if uint64(index) >= uint64(s.next)+uint64(s.window) {
		return arrivalOutOfWindow
	}
	return arrivalNew
}

// Confirmed reports whether index was already written.
func (s *UpdateSession) Confirmed(index uint32) bool {
	if index < s.next {
		return true
	}
	_, ok := s.pending[index]
	return ok
}

// commit records a written chunk and hashes every chunk that is now
// contiguous. It returns the number of chunks hashed.
func (s *UpdateSession) commit(index uint32, payload []byte) int {
	s.pending[index] = payload
	n := 0
	for {
		p, ok := s.pending[s.next]
		if !ok {
			return n
		}
		s.hasher.Update(p)
		delete(s.pending, s.next)
		s.next++
		n++
	}
}

// NextMissing is the lowest index not yet written.
func (s *UpdateSession) NextMissing() uint32 {
	return s.next
}

// ConfirmedCount is the number of chunks written so far.
func (s *UpdateSession) ConfirmedCount() int {
	return int(s.next) + len(s.pending)
}

func (s *UpdateSession) Complete() bool {
	return s.next >= s.Manifest.ChunkCount()
}

// Digest finishes the running hash. Valid once Complete.
func (s *UpdateSession) Digest() hash.Digest {
	return s.hasher.Finish()
}

// HashedBytes is the number of image bytes fed to the running hash.
func (s *UpdateSession) HashedBytes() uint64 {
	return s.hasher.Size()
}
