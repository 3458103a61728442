package projection_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/signature"
	"EscrowLedger/internal/state"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	programID = ledger.Address{0xe5}
	usdcRef   = ledger.AssetRef{ID: 2, Decimals: 6}
	wbtcRef   = ledger.AssetRef{ID: 3, Decimals: 8}
)

type fixture struct {
	t    *testing.T
	core *core.DeterministicCore
	proj chan core.CoreOutput
	seq  int64
}

func newFixture(t *testing.T) *fixture {
	assets, err := ledger.NewAssetRegistry(
		ledger.Asset{ID: 1, Symbol: "NATIVE", Decimals: 9},
		ledger.Asset{ID: 2, Symbol: "USDC", Decimals: 6},
		ledger.Asset{ID: 3, Symbol: "WBTC", Decimals: 8},
	)
	require.NoError(t, err)
	proj := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.Options{
		ProgramID:   programID,
		NativeAsset: 1,
		Assets:      assets,
		Reserves:    state.ReserveSchedule{PerByte: 1, Overhead: 100},
		LRUCapacity: 64,
	}, make(chan core.CoreOutput, 64), proj)
	return &fixture{t: t, core: c, proj: proj}
}

func (f *fixture) apply(evt event.Event) projection.Update {
	f.t.Helper()
	_, err := f.core.ProcessEvent(evt)
	require.NoError(f.t, err)
	return projection.Plan(<-f.proj)
}

func (f *fixture) deposit(owner ledger.Address, asset ledger.AssetID, amount int64) projection.Update {
	f.seq++
	return f.apply(&event.DepositConfirmed{
		DepositID: uuid.New(),
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Sequence:  f.seq,
		Timestamp: time.UnixMicro(f.seq).UTC(),
	})
}

func deltaOf(u projection.Update, key ledger.AccountKey) (projection.BalanceDelta, bool) {
	for _, d := range u.Balances {
		if d.AccountPath == key.AccountPath() {
			return d, true
		}
	}
	return projection.BalanceDelta{}, false
}

func TestPlan_DepositDebitsWallet(t *testing.T) {
	f := newFixture(t)
	owner := ledger.Address{0x01}

	u := f.deposit(owner, 2, 500)

	wallet, ok := deltaOf(u, ledger.NewWalletKey(owner, 2))
	require.True(t, ok)
	assert.Equal(t, int64(500), wallet.Delta)
	assert.Equal(t, owner.Hex(), wallet.Owner)

	ext, ok := deltaOf(u, ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2))
	require.True(t, ok)
	assert.Equal(t, int64(-500), ext.Delta)
	assert.Empty(t, ext.Owner)

	assert.Nil(t, u.EscrowOpen)
	assert.Nil(t, u.EscrowClose)
}

func TestPlan_EscrowLifecycle(t *testing.T) {
	f := newFixture(t)
	makerKey, err := signature.GenerateKey()
	require.NoError(t, err)
	takerKey, err := signature.GenerateKey()
	require.NoError(t, err)
	maker := signature.AddressFromPublicKey(&makerKey.PublicKey)
	taker := signature.AddressFromPublicKey(&takerKey.PublicKey)

	f.deposit(maker, 1, 10_000)
	f.deposit(maker, 2, 1_000)
	f.deposit(taker, 3, 50)

	mk := &event.EscrowMake{
		RequestID: uuid.New(),
		Program:   programID,
		Maker:     maker,
		Args: escrow.MakeArgs{
			Seed: 9, OfferedAmount: 400, RequestedAmount: 20,
			Offered: usdcRef, Requested: wbtcRef,
		},
		Timestamp: time.UnixMicro(100).UTC(),
	}
	require.NoError(t, event.SignInstruction(mk, makerKey))
	opened := f.apply(mk)

	require.NotNil(t, opened.EscrowOpen)
	row := opened.EscrowOpen
	assert.Equal(t, maker, row.Maker)
	assert.Equal(t, uint64(9), row.Seed)
	assert.Equal(t, uint64(400), row.OfferedAmount)
	assert.Positive(t, row.Reserve)
	assert.Equal(t, opened.Sequence, row.OpenedSequence)

	vault, ok := deltaOf(opened, ledger.NewVaultKey(row.Vault, 2))
	require.True(t, ok)
	assert.Equal(t, int64(400), vault.Delta)
	assert.Equal(t, row.Vault.Hex(), vault.Owner)

	// Reserves left the maker's native wallet.
	nativeWallet, ok := deltaOf(opened, ledger.NewWalletKey(maker, 1))
	require.True(t, ok)
	assert.Equal(t, -row.Reserve, nativeWallet.Delta)

	tk := &event.EscrowTake{
		RequestID: uuid.New(),
		Program:   programID,
		Taker:     taker,
		Args: escrow.TakeArgs{
			Maker: maker, Seed: 9, Offered: usdcRef, Requested: wbtcRef,
			OfferedAmount: 400, RequestedAmount: 20,
		},
		Timestamp: time.UnixMicro(200).UTC(),
	}
	require.NoError(t, event.SignInstruction(tk, takerKey))
	closed := f.apply(tk)

	require.NotNil(t, closed.EscrowClose)
	assert.Nil(t, closed.EscrowOpen)
	assert.Equal(t, row.Address, closed.EscrowClose.Address)
	assert.Equal(t, projection.StatusTaken, closed.EscrowClose.Status)
	require.NotNil(t, closed.EscrowClose.Taker)
	assert.Equal(t, taker, *closed.EscrowClose.Taker)

	// Vault drained, reserve returned in full.
	vault, ok = deltaOf(closed, ledger.NewVaultKey(row.Vault, 2))
	require.True(t, ok)
	assert.Equal(t, int64(-400), vault.Delta)
	nativeWallet, ok = deltaOf(closed, ledger.NewWalletKey(maker, 1))
	require.True(t, ok)
	assert.Equal(t, row.Reserve, nativeWallet.Delta)
}

func TestPlan_BalancesSortedAndNetted(t *testing.T) {
	f := newFixture(t)
	u := f.deposit(ledger.Address{0x02}, 3, 7)

	for i := 1; i < len(u.Balances); i++ {
		assert.Less(t, u.Balances[i-1].AccountPath, u.Balances[i].AccountPath)
	}
	var sum int64
	for _, d := range u.Balances {
		assert.NotZero(t, d.Delta)
		sum += d.Delta
	}
	assert.Zero(t, sum)
}
