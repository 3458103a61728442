package core

import (
	"EscrowLedger/internal/event"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

const GenesisHashSeed = "EscrowLedger:genesis:v1"

// StateHasher links every applied event to the one before it:
//
//	H[n] = SHA-256(H[n-1] ‖ seq ‖ type ‖ len(key) ‖ key ‖ digest)
//
// The event type and idempotency key bind a log row to the state change it
// produced, so a replayed row cannot be swapped for another with the same
// effect.
type StateHasher struct {
	prevHash [32]byte
	h        hash.Hash
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
		h:        sha256.New(),
	}
}

// ComputeHash extends the chain with one event and returns the new tip.
func (s *StateHasher) ComputeHash(sequence int64, et event.EventType, idempotencyKey string, stateDigest []byte) [32]byte {
	s.h.Reset()
	s.h.Write(s.prevHash[:])

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(sequence))
	s.h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:4], uint32(et))
	s.h.Write(buf[:4])
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(idempotencyKey)))
	s.h.Write(buf[:4])
	s.h.Write([]byte(idempotencyKey))
	s.h.Write(stateDigest)

	copy(s.prevHash[:], s.h.Sum(nil))
	return s.prevHash
}

// GetPrevHash returns the chain tip.
func (s *StateHasher) GetPrevHash() [32]byte {
	return s.prevHash
}

// SetPrevHash resets the chain tip when restoring from a snapshot.
func (s *StateHasher) SetPrevHash(tip [32]byte) {
	s.prevHash = tip
}
