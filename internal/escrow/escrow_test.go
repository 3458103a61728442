package escrow_test

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/token"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	native ledger.AssetID = 1
	assetX ledger.AssetID = 2
	assetY ledger.AssetID = 3
)

var (
	maker   = authority.Identity{0xaa}
	taker   = authority.Identity{0xbb}
	other   = authority.Identity{0xcc}
	program = ledger.Address{0xe5, 0xc0}

	refX      = ledger.AssetRef{ID: assetX, Decimals: 6}
	refY      = ledger.AssetRef{ID: assetY, Decimals: 8}
	refNative = ledger.AssetRef{ID: native, Decimals: 9}

	reserves = state.ReserveSchedule{PerByte: 10, Overhead: 100}
)

type harness struct {
	t       *testing.T
	tracker *ledger.BalanceTracker
	store   *state.AccountStore
	prog    *escrow.Program
	seq     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg, err := ledger.NewAssetRegistry(
		ledger.Asset{ID: native, Symbol: "NATIVE", Decimals: 9},
		ledger.Asset{ID: assetX, Symbol: "X", Decimals: 6},
		ledger.Asset{ID: assetY, Symbol: "Y", Decimals: 8},
	)
	require.NoError(t, err)
	h := &harness{
		t:       t,
		tracker: ledger.NewBalanceTracker(),
		store:   state.NewAccountStore(),
		prog:    escrow.NewProgram(program, authority.KeccakDeriver{}, token.NewProgram(reg), reg),
	}
	h.fund(maker.Address(), native, 1_000_000)
	h.fund(maker.Address(), assetX, 100)
	h.fund(taker.Address(), assetY, 50)
	return h
}

// fund credits a wallet from the external deposits account so the ledger stays zero-sum.
func (h *harness) fund(owner ledger.Address, asset ledger.AssetID, amount int64) {
	h.t.Helper()
	h.seq++
	lt := ledger.NewTxn(h.tracker, fmt.Sprintf("fund-%d", h.seq), h.seq, h.seq)
	require.NoError(h.t, lt.Transfer(
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, asset),
		ledger.NewWalletKey(owner, asset), amount, ledger.JournalTypeDeposit))
	require.NoError(h.t, h.tracker.ApplyBatch(lt.Batch()))
}

// run executes op in a fresh transaction and commits only on success.
func (h *harness) run(op func(*state.Txn) (*escrow.Receipt, error)) (*escrow.Receipt, error) {
	h.t.Helper()
	h.seq++
	lt := ledger.NewTxn(h.tracker, fmt.Sprintf("op-%d", h.seq), h.seq, h.seq)
	txn := state.NewTxn(h.store, lt, reserves, native, h.seq)
	rcpt, err := op(txn)
	if err != nil {
		return nil, err
	}
	require.NoError(h.t, lt.Batch().Validate())
	require.NoError(h.t, h.tracker.ApplyBatch(lt.Batch()))
	txn.Commit()
	require.NoError(h.t, ledger.NewInvariantValidator(h.tracker).ValidateGlobalBalance())
	return rcpt, nil
}

func (h *harness) make(seed uint64, offered, requested uint64) (*escrow.Receipt, error) {
	return h.run(func(txn *state.Txn) (*escrow.Receipt, error) {
		return h.prog.Make(txn, maker, escrow.MakeArgs{
			Seed: seed, OfferedAmount: offered, RequestedAmount: requested,
			Offered: refX, Requested: refY,
		})
	})
}

// take settles an escrow opened by mustMake, agreeing to its 100 for 50 terms.
func (h *harness) take(who authority.Identity, seed uint64, offered, requested ledger.AssetRef) (*escrow.Receipt, error) {
	return h.takeAt(who, seed, offered, requested, 100, 50)
}

func (h *harness) takeAt(who authority.Identity, seed uint64, offered, requested ledger.AssetRef, offeredAmount, requestedAmount uint64) (*escrow.Receipt, error) {
	return h.run(func(txn *state.Txn) (*escrow.Receipt, error) {
		return h.prog.Take(txn, who, escrow.TakeArgs{
			Maker: maker.Address(), Seed: seed, Offered: offered, Requested: requested,
			OfferedAmount: offeredAmount, RequestedAmount: requestedAmount,
		})
	})
}

func (h *harness) refund(who authority.Identity, seed uint64) (*escrow.Receipt, error) {
	return h.run(func(txn *state.Txn) (*escrow.Receipt, error) {
		return h.prog.Refund(txn, who, escrow.RefundArgs{Maker: maker.Address(), Seed: seed, Offered: refX})
	})
}

func (h *harness) wallet(owner authority.Identity, asset ledger.AssetID) int64 {
	return h.tracker.GetWalletBalance(owner.Address(), asset)
}

func (h *harness) mustMake(seed uint64) *escrow.Receipt {
	h.t.Helper()
	rcpt, err := h.make(seed, 100, 50)
	require.NoError(h.t, err)
	return rcpt
}

func TestMake_CreatesRecordAndFundedVault(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)

	assert.Equal(t, escrow.ReceiptMake, rcpt.Kind)
	assert.Zero(t, h.wallet(maker, assetX))
	assert.Equal(t, int64(100), h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX)))

	loaded, err := h.prog.Lookup(h.store, h.tracker, maker.Address(), 1)
	require.NoError(t, err)
	assert.Equal(t, rcpt.Vault, loaded.Vault.Address)
	assert.Equal(t, rcpt.Escrow, loaded.Vault.Authority)
	assert.Equal(t, uint64(50), loaded.Record.RequestedAmount)
	assert.Equal(t, program, loaded.Escrow.Owner)

	wantEscrow, bump, err := h.prog.EscrowAddress(maker.Address(), 1)
	require.NoError(t, err)
	assert.Equal(t, wantEscrow, rcpt.Escrow)
	assert.Equal(t, bump, loaded.Record.Bump)
	wantVault, vaultBump, err := h.prog.VaultAddress(rcpt.Escrow, assetX)
	require.NoError(t, err)
	assert.Equal(t, wantVault, rcpt.Vault)
	assert.Equal(t, vaultBump, loaded.Record.VaultBump)
}

func TestMake_ReserveAccounting(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)

	loaded, err := h.prog.Lookup(h.store, h.tracker, maker.Address(), 1)
	require.NoError(t, err)
	want := reserves.MinimumBalance(loaded.Escrow.Size) + reserves.MinimumBalance(token.VaultSize)
	assert.Equal(t, want, rcpt.ReserveLocked)
	assert.Equal(t, int64(1_000_000)-want, h.wallet(maker, native))
	assert.Equal(t, len(loaded.Escrow.Data), loaded.Escrow.Size)
}

func TestMake_Validation(t *testing.T) {
	tests := []struct {
		name string
		args escrow.MakeArgs
		want error
	}{
		{"zero offered", escrow.MakeArgs{Seed: 1, OfferedAmount: 0, RequestedAmount: 1, Offered: refX, Requested: refY}, escrow.ErrInvalidAmount},
		{"zero requested", escrow.MakeArgs{Seed: 1, OfferedAmount: 1, RequestedAmount: 0, Offered: refX, Requested: refY}, escrow.ErrInvalidAmount},
		{"amount overflow", escrow.MakeArgs{Seed: 1, OfferedAmount: 1 << 63, RequestedAmount: 1, Offered: refX, Requested: refY}, escrow.ErrInvalidAmount},
		{"same asset", escrow.MakeArgs{Seed: 1, OfferedAmount: 1, RequestedAmount: 1, Offered: refX, Requested: refX}, escrow.ErrSameAsset},
		{"offered decimals", escrow.MakeArgs{Seed: 1, OfferedAmount: 1, RequestedAmount: 1, Offered: ledger.AssetRef{ID: assetX, Decimals: 8}, Requested: refY}, ledger.ErrDecimalsMismatch},
		{"requested decimals", escrow.MakeArgs{Seed: 1, OfferedAmount: 1, RequestedAmount: 1, Offered: refX, Requested: ledger.AssetRef{ID: assetY, Decimals: 6}}, ledger.ErrDecimalsMismatch},
		{"unknown asset", escrow.MakeArgs{Seed: 1, OfferedAmount: 1, RequestedAmount: 1, Offered: refX, Requested: ledger.AssetRef{ID: 42}}, ledger.ErrUnknownAsset},
		{"insufficient offered", escrow.MakeArgs{Seed: 1, OfferedAmount: 101, RequestedAmount: 1, Offered: refX, Requested: refY}, ledger.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.run(func(txn *state.Txn) (*escrow.Receipt, error) {
				return h.prog.Make(txn, maker, tt.args)
			})
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, h.store.Len(), "no account may be left behind")
			assert.Equal(t, int64(100), h.wallet(maker, assetX))
			assert.Equal(t, int64(1_000_000), h.wallet(maker, native))
		})
	}
}

func TestMake_InsufficientReserve(t *testing.T) {
	h := newHarness(t)
	poor := authority.Identity{0x01}
	h.fund(poor.Address(), assetX, 10)

	_, err := h.run(func(txn *state.Txn) (*escrow.Receipt, error) {
		return h.prog.Make(txn, poor, escrow.MakeArgs{Seed: 1, OfferedAmount: 10, RequestedAmount: 1, Offered: refX, Requested: refY})
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Equal(t, escrow.KindResource, escrow.Classify(err))
	assert.Zero(t, h.store.Len())
}

func TestMake_DuplicateSeed(t *testing.T) {
	h := newHarness(t)
	h.fund(maker.Address(), assetX, 100)
	h.mustMake(7)

	_, err := h.make(7, 100, 50)
	require.ErrorIs(t, err, escrow.ErrEscrowExists)
	assert.Equal(t, escrow.KindConflict, escrow.Classify(err))
	assert.Equal(t, int64(100), h.wallet(maker, assetX))

	// A different seed is a distinct escrow.
	_, err = h.make(8, 100, 50)
	require.NoError(t, err)
	assert.Equal(t, 4, h.store.Len())
}

// Scenario A and P1.
func TestTake_ExchangesAndCloses(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)
	nativeAfterMake := h.wallet(maker, native)

	totalX := h.wallet(maker, assetX) + h.wallet(taker, assetX) + h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX))
	totalY := h.wallet(maker, assetY) + h.wallet(taker, assetY)

	took, err := h.take(taker, 1, refX, refY)
	require.NoError(t, err)

	assert.Equal(t, escrow.ReceiptTake, took.Kind)
	assert.Equal(t, uint64(100), took.Released)
	assert.Equal(t, uint64(50), took.Paid)
	require.NotNil(t, took.Taker)
	assert.Equal(t, taker.Address(), *took.Taker)

	assert.Equal(t, int64(50), h.wallet(maker, assetY))
	assert.Equal(t, int64(100), h.wallet(taker, assetX))
	assert.Zero(t, h.wallet(taker, assetY))

	assert.Equal(t, totalX, h.wallet(maker, assetX)+h.wallet(taker, assetX)+h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX)))
	assert.Equal(t, totalY, h.wallet(maker, assetY)+h.wallet(taker, assetY))

	// P3 and reserve return.
	assertClosed(t, h, rcpt)
	assert.Equal(t, rcpt.ReserveLocked, took.ReserveReturned)
	assert.Equal(t, nativeAfterMake+rcpt.ReserveLocked, h.wallet(maker, native))
	assert.Equal(t, int64(1_000_000), h.wallet(maker, native))
}

// Scenario B and P2.
func TestRefund_ReturnsDepositThenTakeFails(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)

	ref, err := h.refund(maker, 1)
	require.NoError(t, err)
	assert.Equal(t, escrow.ReceiptRefund, ref.Kind)
	assert.Equal(t, uint64(100), ref.Released)
	assert.Nil(t, ref.Taker)

	assert.Equal(t, int64(100), h.wallet(maker, assetX))
	assert.Equal(t, int64(1_000_000), h.wallet(maker, native))
	assertClosed(t, h, rcpt)

	_, err = h.take(taker, 1, refX, refY)
	require.ErrorIs(t, err, escrow.ErrEscrowNotFound)
	assert.Equal(t, escrow.KindNotFound, escrow.Classify(err))
	assert.Equal(t, int64(50), h.wallet(taker, assetY))

	_, err = h.refund(maker, 1)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestTake_ThenRefundFails(t *testing.T) {
	h := newHarness(t)
	h.mustMake(1)

	_, err := h.take(taker, 1, refX, refY)
	require.NoError(t, err)

	_, err = h.refund(maker, 1)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)

	_, err = h.take(other, 1, refX, refY)
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

// Scenario C.
func TestTake_InsufficientPaymentLeavesEscrowIntact(t *testing.T) {
	h := newHarness(t)
	poorTaker := authority.Identity{0xdd}
	h.fund(poorTaker.Address(), assetY, 40)
	rcpt := h.mustMake(1)

	_, err := h.take(poorTaker, 1, refX, refY)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, int64(40), h.wallet(poorTaker, assetY))
	assert.Zero(t, h.wallet(poorTaker, assetX))
	assert.Zero(t, h.wallet(maker, assetY))
	assertOpen(t, h, rcpt)
}

// P4.
func TestRefund_OnlyMaker(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)

	for _, who := range []authority.Identity{taker, other} {
		_, err := h.refund(who, 1)
		require.ErrorIs(t, err, escrow.ErrUnauthorized)
		assert.Equal(t, escrow.KindAuthorization, escrow.Classify(err))
	}
	assertOpen(t, h, rcpt)
	assert.Zero(t, h.wallet(taker, assetX))
}

// P5.
func TestTake_AssetMismatchBeforeAnyTransfer(t *testing.T) {
	h := newHarness(t)
	h.fund(taker.Address(), assetX, 50)
	rcpt := h.mustMake(1)

	tests := []struct {
		name      string
		offered   ledger.AssetRef
		requested ledger.AssetRef
		want      error
	}{
		{"requested swapped for offered", refX, refX, escrow.ErrAssetMismatch},
		{"requested swapped for native", refX, refNative, escrow.ErrAssetMismatch},
		{"offered substituted", refY, refY, escrow.ErrAssetMismatch},
		{"requested decimals", refX, ledger.AssetRef{ID: assetY, Decimals: 6}, ledger.ErrDecimalsMismatch},
		{"offered decimals", ledger.AssetRef{ID: assetX, Decimals: 9}, refY, ledger.ErrDecimalsMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.take(taker, 1, tt.offered, tt.requested)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, escrow.KindValidation, escrow.Classify(err))
			assert.Equal(t, int64(50), h.wallet(taker, assetY))
			assert.Equal(t, int64(50), h.wallet(taker, assetX))
			assertOpen(t, h, rcpt)
		})
	}
}

func TestTake_RejectsTermsOtherThanSigned(t *testing.T) {
	h := newHarness(t)
	h.fund(taker.Address(), assetY, 50)
	rcpt := h.mustMake(1)

	tests := []struct {
		name               string
		offered, requested uint64
	}{
		{"less offered", 99, 50},
		{"more requested", 100, 51},
		{"terms omitted", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.takeAt(taker, 1, refX, refY, tt.offered, tt.requested)
			require.ErrorIs(t, err, escrow.ErrTermsMismatch)
			assert.Equal(t, escrow.KindValidation, escrow.Classify(err))
			assert.Equal(t, int64(50), h.wallet(taker, assetY))
			assertOpen(t, h, rcpt)
		})
	}
}

// A take signed against one escrow must not settle a later escrow that
// reuses the seed with worse terms.
func TestTake_SignedTermsDoNotCarryToRecreatedEscrow(t *testing.T) {
	h := newHarness(t)
	h.fund(taker.Address(), assetY, 50)
	h.mustMake(1)
	_, err := h.refund(maker, 1)
	require.NoError(t, err)

	rcpt, err := h.make(1, 1, 50)
	require.NoError(t, err)

	_, err = h.take(taker, 1, refX, refY)
	require.ErrorIs(t, err, escrow.ErrTermsMismatch)
	assert.Equal(t, int64(50), h.wallet(taker, assetY))
	assertOpen(t, h, rcpt)
}

func TestTake_MakerCannotTakeOwnEscrow(t *testing.T) {
	h := newHarness(t)
	h.fund(maker.Address(), assetY, 50)
	rcpt := h.mustMake(1)

	_, err := h.take(maker, 1, refX, refY)
	require.ErrorIs(t, err, escrow.ErrSelfTake)
	assertOpen(t, h, rcpt)
}

func TestLookup_DetectsTamperedRecord(t *testing.T) {
	h := newHarness(t)
	rcpt := h.mustMake(1)

	acc, ok := h.store.Get(rcpt.Escrow)
	require.True(t, ok)
	rec, err := state.DecodeEscrowRecord(acc.Data)
	require.NoError(t, err)
	rec.Bump++
	data, err := rec.Encode()
	require.NoError(t, err)
	tampered := *acc
	tampered.Data = data
	h.store.Put(&tampered)

	_, err = h.take(taker, 1, refX, refY)
	require.ErrorIs(t, err, escrow.ErrCorruptEscrow)
	assert.Equal(t, escrow.KindInternal, escrow.Classify(err))
	assert.Equal(t, int64(100), h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX)))
}

func TestEscrowAddress_DistinctPerSeedAndMaker(t *testing.T) {
	h := newHarness(t)
	seen := make(map[ledger.Address]bool)
	for _, m := range []authority.Identity{maker, taker} {
		for seed := uint64(0); seed < 8; seed++ {
			addr, _, err := h.prog.EscrowAddress(m.Address(), seed)
			require.NoError(t, err)
			assert.False(t, seen[addr], "collision for seed %d", seed)
			seen[addr] = true
		}
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, escrow.KindInternal, escrow.Classify(errors.New("boom")))
	assert.Equal(t, escrow.KindValidation, escrow.Classify(fmt.Errorf("wrapped: %w", escrow.ErrSameAsset)))
	assert.Equal(t, escrow.KindAuthorization, escrow.Classify(token.ErrOwnerMismatch))
	assert.Equal(t, escrow.KindValidation, escrow.Classify(escrow.ErrTermsMismatch))
	assert.Equal(t, escrow.KindResource, escrow.Classify(fmt.Errorf("pay maker: %w", ledger.ErrBalanceOverflow)))
	assert.Equal(t, "not_found", escrow.KindNotFound.String())
}

func assertOpen(t *testing.T, h *harness, rcpt *escrow.Receipt) {
	t.Helper()
	_, ok := h.store.Get(rcpt.Escrow)
	assert.True(t, ok, "escrow record must still exist")
	_, ok = h.store.Get(rcpt.Vault)
	assert.True(t, ok, "vault must still exist")
	assert.Equal(t, int64(rcpt.Deposited), h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX)))
	assert.Equal(t, rcpt.ReserveLocked,
		h.tracker.GetBalance(ledger.NewReserveKey(rcpt.Escrow, native))+h.tracker.GetBalance(ledger.NewReserveKey(rcpt.Vault, native)))
}

func assertClosed(t *testing.T, h *harness, rcpt *escrow.Receipt) {
	t.Helper()
	_, ok := h.store.Get(rcpt.Escrow)
	assert.False(t, ok, "escrow record must be gone")
	_, ok = h.store.Get(rcpt.Vault)
	assert.False(t, ok, "vault must be gone")
	assert.Zero(t, h.tracker.GetBalance(ledger.NewVaultKey(rcpt.Vault, assetX)))
	assert.Zero(t, h.tracker.GetBalance(ledger.NewReserveKey(rcpt.Escrow, native)))
	assert.Zero(t, h.tracker.GetBalance(ledger.NewReserveKey(rcpt.Vault, native)))
}
