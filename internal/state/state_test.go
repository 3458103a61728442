package state_test

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const native ledger.AssetID = 1

var (
	payer = ledger.Address{0xa1}
	addrA = ledger.Address{0x0a}
)

func newTxn(t *testing.T, store *state.AccountStore, tracker *ledger.BalanceTracker) *state.Txn {
	t.Helper()
	lt := ledger.NewTxn(tracker, "test-event", 1, 1000)
	return state.NewTxn(store, lt, state.ReserveSchedule{PerByte: 10, Overhead: 100}, native, 1)
}

func TestReserveSchedule_MinimumBalance(t *testing.T) {
	r := state.ReserveSchedule{PerByte: 10, Overhead: 100}
	assert.Equal(t, int64(1000), r.MinimumBalance(0))
	assert.Equal(t, int64(1650), r.MinimumBalance(65))

	def := state.DefaultReserveSchedule()
	assert.NoError(t, def.Validate())
	assert.Error(t, state.ReserveSchedule{PerByte: -1}.Validate())
}

func TestEscrowRecord_EncodeDecode(t *testing.T) {
	rec := &state.EscrowRecord{
		Seed:            42,
		Maker:           payer,
		OfferedAsset:    2,
		RequestedAsset:  3,
		OfferedAmount:   100,
		RequestedAmount: 50,
		Bump:            254,
		VaultBump:       253,
	}
	enc, err := rec.Encode()
	require.NoError(t, err)

	again, err := rec.Encode()
	require.NoError(t, err)
	assert.Equal(t, enc, again, "encoding must be deterministic")

	dec, err := state.DecodeEscrowRecord(enc)
	require.NoError(t, err)
	assert.Equal(t, rec, dec)

	_, err = state.DecodeEscrowRecord([]byte{0xff})
	assert.Error(t, err)
}

func TestTxn_CreateAccountLocksReserve(t *testing.T) {
	store := state.NewAccountStore()
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewWalletKey(payer, native), 5000)

	txn := newTxn(t, store, tracker)
	acc, err := txn.CreateAccount(state.Account{Address: addrA, Kind: state.AccountKindEscrow, Data: make([]byte, 50)}, payer)
	require.NoError(t, err)

	assert.Equal(t, 50, acc.Size)
	assert.Equal(t, int64(1500), acc.Reserve)
	assert.Equal(t, int64(3500), txn.Ledger.Balance(ledger.NewWalletKey(payer, native)))
	assert.Equal(t, int64(1500), txn.Ledger.Balance(ledger.NewReserveKey(addrA, native)))

	_, visible := txn.Account(addrA)
	assert.True(t, visible)
	_, committed := store.Get(addrA)
	assert.False(t, committed, "store is untouched until commit")

	txn.Commit()
	_, committed = store.Get(addrA)
	assert.True(t, committed)
}

func TestTxn_CreateAccountRejectsExisting(t *testing.T) {
	store := state.NewAccountStore()
	store.Put(&state.Account{Address: addrA, Kind: state.AccountKindEscrow})
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewWalletKey(payer, native), 5000)

	_, err := newTxn(t, store, tracker).CreateAccount(state.Account{Address: addrA}, payer)
	assert.ErrorIs(t, err, state.ErrAccountExists)
}

func TestTxn_CreateAccountInsufficientReserve(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewWalletKey(payer, native), 999)

	_, err := newTxn(t, state.NewAccountStore(), tracker).CreateAccount(state.Account{Address: addrA}, payer)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestTxn_CloseAccountReturnsReserve(t *testing.T) {
	store := state.NewAccountStore()
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewWalletKey(payer, native), 5000)

	create := newTxn(t, store, tracker)
	_, err := create.CreateAccount(state.Account{Address: addrA, Kind: state.AccountKindEscrow}, payer)
	require.NoError(t, err)
	require.NoError(t, tracker.ApplyBatch(create.Ledger.Batch()))
	create.Commit()

	recipient := ledger.Address{0xb2}
	closeTxn := newTxn(t, store, tracker)
	returned, err := closeTxn.CloseAccount(addrA, recipient)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), returned)
	assert.Equal(t, int64(1000), closeTxn.Ledger.Balance(ledger.NewWalletKey(recipient, native)))
	assert.Zero(t, closeTxn.Ledger.Balance(ledger.NewReserveKey(addrA, native)))

	_, visible := closeTxn.Account(addrA)
	assert.False(t, visible)

	_, err = closeTxn.CloseAccount(addrA, recipient)
	assert.ErrorIs(t, err, state.ErrAccountNotFound)

	closeTxn.Commit()
	assert.Zero(t, store.Len())
}

func TestTxn_CloseVaultRequiresEmpty(t *testing.T) {
	store := state.NewAccountStore()
	store.Put(&state.Account{Address: addrA, Kind: state.AccountKindVault, Asset: 2})
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewVaultKey(addrA, 2), 7)

	_, err := newTxn(t, store, tracker).CloseAccount(addrA, payer)
	assert.ErrorIs(t, err, state.ErrAccountNotEmpty)
}

func TestAccountStore_RestoreAndOrder(t *testing.T) {
	store := state.NewAccountStore()
	store.Restore([]*state.Account{
		{Address: ledger.Address{0x03}},
		{Address: ledger.Address{0x01}},
		{Address: ledger.Address{0x02}},
	})

	all := store.All()
	require.Len(t, all, 3)
	assert.Equal(t, ledger.Address{0x01}, all[0].Address)
	assert.Equal(t, ledger.Address{0x03}, all[2].Address)
}
