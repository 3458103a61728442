package core_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"testing"
)

func TestStateHasher_BindsEventIdentity(t *testing.T) {
	digest := []byte("same-effect")

	base := core.NewStateHasher().ComputeHash(0, event.EventTypeEscrowMake, "a", digest)
	otherKey := core.NewStateHasher().ComputeHash(0, event.EventTypeEscrowMake, "b", digest)
	otherType := core.NewStateHasher().ComputeHash(0, event.EventTypeEscrowRefund, "a", digest)
	otherSeq := core.NewStateHasher().ComputeHash(1, event.EventTypeEscrowMake, "a", digest)

	for name, h := range map[string][32]byte{"key": otherKey, "type": otherType, "sequence": otherSeq} {
		if h == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}

	// Key length is framed, so shifting bytes into the digest changes the hash.
	shifted := core.NewStateHasher().ComputeHash(0, event.EventTypeEscrowMake, "", append([]byte("a"), digest...))
	if shifted == base {
		t.Error("key and digest boundary is ambiguous")
	}
}

func TestStateHasher_ChainsFromTip(t *testing.T) {
	h := core.NewStateHasher()
	first := h.ComputeHash(0, event.EventTypeDepositConfirmed, "k0", nil)
	if h.GetPrevHash() != first {
		t.Fatal("tip does not follow the last hash")
	}

	resumed := core.NewStateHasher()
	resumed.SetPrevHash(first)
	if h.ComputeHash(1, event.EventTypeDepositConfirmed, "k1", nil) != resumed.ComputeHash(1, event.EventTypeDepositConfirmed, "k1", nil) {
		t.Error("restored tip does not continue the chain")
	}
}
