package state

import (
	"EscrowLedger/internal/ledger"
	"fmt"
)

type ChangeOp uint8

const (
	ChangeCreated ChangeOp = 1
	ChangeClosed  ChangeOp = 2
)

func (op ChangeOp) String() string {
	switch op {
	case ChangeCreated:
		return "created"
	case ChangeClosed:
		return "closed"
	default:
		return "UNKNOWN"
	}
}

// AccountChange records one account lifecycle transition inside an event.
type AccountChange struct {
	Op        ChangeOp
	Account   *Account
	Recipient ledger.Address // reserve recipient on close
}

// Txn layers staged account creations and closures over the committed store.
// Reserve movements are staged on the embedded ledger transaction so the
// whole event commits or discards as one unit.
type Txn struct {
	Ledger *ledger.Txn

	store    *AccountStore
	reserves ReserveSchedule
	native   ledger.AssetID
	sequence int64

	created map[ledger.Address]*Account
	closed  map[ledger.Address]struct{}
	changes []AccountChange
}

func NewTxn(store *AccountStore, lt *ledger.Txn, reserves ReserveSchedule, native ledger.AssetID, sequence int64) *Txn {
	return &Txn{
		Ledger:   lt,
		store:    store,
		reserves: reserves,
		native:   native,
		sequence: sequence,
		created:  make(map[ledger.Address]*Account),
		closed:   make(map[ledger.Address]struct{}),
	}
}

// Account resolves addr through the staged view.
func (t *Txn) Account(addr ledger.Address) (*Account, bool) {
	if _, gone := t.closed[addr]; gone {
		return nil, false
	}
	if a, ok := t.created[addr]; ok {
		return a, true
	}
	return t.store.Get(addr)
}

// CreateAccount opens acc at its address and moves the storage reserve from
// the payer's native wallet into the account's reserve. Size defaults to the
// data length.
func (t *Txn) CreateAccount(acc Account, payer ledger.Address) (*Account, error) {
	if _, exists := t.Account(acc.Address); exists {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, acc.Address)
	}
	if acc.Size == 0 {
		acc.Size = len(acc.Data)
	}
	acc.Reserve = t.reserves.MinimumBalance(acc.Size)
	acc.Payer = payer
	acc.CreatedAt = t.sequence

	if acc.Reserve > 0 {
		err := t.Ledger.Transfer(
			ledger.NewWalletKey(payer, t.native),
			ledger.NewReserveKey(acc.Address, t.native),
			acc.Reserve,
			ledger.JournalTypeReserveLock,
		)
		if err != nil {
			return nil, fmt.Errorf("lock reserve for %s %s: %w", acc.Kind, acc.Address, err)
		}
	}

	a := acc.clone()
	t.created[a.Address] = a
	t.changes = append(t.changes, AccountChange{Op: ChangeCreated, Account: a})
	return a, nil
}

// CloseAccount removes addr and returns its full reserve to recipient. A vault
// must be empty. Authority checks belong to the owning program.
func (t *Txn) CloseAccount(addr, recipient ledger.Address) (int64, error) {
	acc, ok := t.Account(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if acc.Kind == AccountKindVault {
		if bal := t.Ledger.Balance(ledger.NewVaultKey(addr, acc.Asset)); bal != 0 {
			return 0, fmt.Errorf("%w: vault %s holds %d", ErrAccountNotEmpty, addr, bal)
		}
	}

	reserveKey := ledger.NewReserveKey(addr, t.native)
	reserve := t.Ledger.Balance(reserveKey)
	if reserve > 0 {
		err := t.Ledger.Transfer(
			reserveKey,
			ledger.NewWalletKey(recipient, t.native),
			reserve,
			ledger.JournalTypeReserveReturn,
		)
		if err != nil {
			return 0, fmt.Errorf("return reserve of %s: %w", addr, err)
		}
	}

	if _, staged := t.created[addr]; staged {
		delete(t.created, addr)
	} else {
		t.closed[addr] = struct{}{}
	}
	t.changes = append(t.changes, AccountChange{Op: ChangeClosed, Account: acc, Recipient: recipient})
	return reserve, nil
}

func (t *Txn) Changes() []AccountChange {
	return t.changes
}

// Commit applies staged account changes to the store. The caller applies
// the ledger batch.
func (t *Txn) Commit() {
	for addr := range t.closed {
		t.store.Delete(addr)
	}
	for _, a := range t.created {
		t.store.Put(a)
	}
}
