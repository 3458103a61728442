package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance exceeds ledger range")
)

// journalNamespace makes journal and batch IDs a pure function of the event.
var journalNamespace = uuid.MustParse("4f7e1c52-9a0b-4c36-8d1e-2b5a6f30c9d7")

// Txn stages journals for a single event against a read-only view of the
// tracker. Nothing touches the tracker until the core applies Batch().
// Not thread-safe, owned by the single-threaded core for one event.
type Txn struct {
	tracker *BalanceTracker
	deltas  map[AccountKey]int64
	batch   *Batch
}

func NewTxn(tracker *BalanceTracker, eventRef string, sequence, timestamp int64) *Txn {
	return &Txn{
		tracker: tracker,
		deltas:  make(map[AccountKey]int64),
		batch: &Batch{
			BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Balance returns the committed balance plus everything staged so far.
func (t *Txn) Balance(key AccountKey) int64 {
	return t.tracker.GetBalance(key) + t.deltas[key]
}

// Transfer stages a move of amount from credit to debit. Internal accounts may
// not go negative; external boundary accounts may. No balance may leave the
// int64 range on either side.
func (t *Txn) Transfer(credit, debit AccountKey, amount int64, jt JournalType) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}
	if credit.AssetID != debit.AssetID {
		return fmt.Errorf("transfer between assets %d and %d", credit.AssetID, debit.AssetID)
	}
	if credit == debit {
		return fmt.Errorf("transfer from %s to itself", credit.AccountPath())
	}
	have := t.Balance(credit)
	if !credit.IsExternal() && have < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientFunds, credit.AccountPath(), have, amount)
	}
	if have < math.MinInt64+amount {
		return fmt.Errorf("%w: %s at %d cannot release %d", ErrBalanceOverflow, credit.AccountPath(), have, amount)
	}
	if to := t.Balance(debit); to > math.MaxInt64-amount {
		return fmt.Errorf("%w: %s at %d cannot receive %d", ErrBalanceOverflow, debit.AccountPath(), to, amount)
	}

	idx := len(t.batch.Journals)
	t.batch.Journals = append(t.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", t.batch.EventRef, idx))),
		BatchID:       t.batch.BatchID,
		EventRef:      t.batch.EventRef,
		Sequence:      t.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     t.batch.Timestamp,
	})
	t.deltas[credit] -= amount
	t.deltas[debit] += amount
	return nil
}

// Batch returns the staged batch. It is empty when nothing was transferred.
func (t *Txn) Batch() *Batch {
	return t.batch
}
