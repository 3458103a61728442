package core

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
)

// SnapshotState holds the in-memory state needed to resume without replaying
// the full log. persistence.SnapshotData is its serialized form.
type SnapshotState struct {
	Sequence        int64 // last applied sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Accounts        []*state.Account
	SequenceState   map[string]int64
	IdempotencyKeys []string // least recently used first
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Accounts:        c.accounts.All(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot loads snap into an empty core. Events after
// snap.Sequence must then be replayed in order.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	c.accounts.Restore(snap.Accounts)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.WarmLRU(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.EscrowsOpen.Set(float64(c.countEscrows()))
	}
}

// WarmLRU loads recent composite idempotency keys, oldest first.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

func (c *DeterministicCore) countEscrows() int {
	n := 0
	for _, acc := range c.accounts.All() {
		if acc.Kind == state.AccountKindEscrow {
			n++
		}
	}
	return n
}
