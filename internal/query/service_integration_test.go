package query_test

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/persistence"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/query"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeline drives a core synchronously and flushes its outputs through the
// persistence and projection workers.
type pipeline struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
}

func newPipeline(t *testing.T) *pipeline {
	assets, err := ledger.NewAssetRegistry(
		ledger.Asset{ID: 1, Symbol: "NATIVE", Decimals: 9},
		ledger.Asset{ID: 2, Symbol: "USDC", Decimals: 6},
		ledger.Asset{ID: 3, Symbol: "WBTC", Decimals: 8},
	)
	require.NoError(t, err)
	p := &pipeline{t: t, persist: make(chan core.CoreOutput, 64), proj: make(chan core.CoreOutput, 64)}
	p.core = core.NewDeterministicCore(core.Options{
		ProgramID:   programID,
		NativeAsset: 1,
		Assets:      assets,
		Reserves:    state.ReserveSchedule{PerByte: 1, Overhead: 100},
		Encoder:     ingestion.EncodeEvent,
		LRUCapacity: 64,
	}, p.persist, p.proj)
	return p
}

func (p *pipeline) process(evt event.Event) *core.Result {
	p.t.Helper()
	res, err := p.core.ProcessEvent(evt)
	require.NoError(p.t, err)
	return res
}

func TestQueryService_ProjectedLifecycle(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	p := newPipeline(t)

	makerKey, maker := newKey(t)
	takerKey, taker := newKey(t)
	for i, d := range []struct {
		owner  ledger.Address
		asset  ledger.AssetID
		amount int64
	}{{maker, 1, 10_000}, {maker, 2, 800}, {taker, 3, 50}} {
		p.process(&event.DepositConfirmed{
			DepositID: uuid.New(), Owner: d.owner, Asset: d.asset, Amount: d.amount,
			Sequence: int64(i), Timestamp: time.UnixMicro(int64(i)).UTC(),
		})
	}

	open := func(seed uint64) *escrow.Receipt {
		mk := &event.EscrowMake{
			RequestID: uuid.New(),
			Program:   programID,
			Maker:     maker,
			Args: escrow.MakeArgs{
				Seed: seed, OfferedAmount: 300, RequestedAmount: 7,
				Offered: usdcRef, Requested: wbtcRef,
			},
			Timestamp: time.UnixMicro(10).UTC(),
		}
		require.NoError(t, event.SignInstruction(mk, makerKey))
		return p.process(mk).Receipt
	}
	taken := open(1)
	stays := open(2)

	tk := &event.EscrowTake{
		RequestID: uuid.New(),
		Program:   programID,
		Taker:     taker,
		Args: escrow.TakeArgs{
			Maker: maker, Seed: 1, Offered: usdcRef, Requested: wbtcRef,
			OfferedAmount: 300, RequestedAmount: 7,
		},
		Timestamp: time.UnixMicro(20).UTC(),
	}
	require.NoError(t, event.SignInstruction(tk, takerKey))
	p.process(tk)
	last := p.core.GetSequence() - 1

	close(p.persist)
	close(p.proj)
	pw := persistence.NewPersistenceWorker(db, p.persist, 8, time.Millisecond, nil, nil, zerolog.Nop())
	require.NoError(t, pw.Run(ctx))
	projw := projection.NewProjectionWorker(db, p.proj, nil, zerolog.Nop())
	require.NoError(t, projw.Run(ctx))

	qs := query.NewQueryService(db)

	settled, err := qs.GetEscrow(ctx, taken.Escrow)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusTaken, settled.Status)
	require.NotNil(t, settled.Taker)
	assert.Equal(t, taker, *settled.Taker)
	require.NotNil(t, settled.ClosedSequence)
	assert.Equal(t, last, *settled.ClosedSequence)

	openRows, err := qs.ListEscrows(ctx, query.ListEscrowsFilter{Maker: &maker, Status: projection.StatusOpen})
	require.NoError(t, err)
	require.Len(t, openRows, 1)
	assert.Equal(t, stays.Escrow, openRows[0].Address)
	assert.Equal(t, uint64(2), openRows[0].Seed)

	_, err = qs.ListEscrows(ctx, query.ListEscrowsFilter{Status: "pending"})
	assert.ErrorIs(t, err, query.ErrInvalidFilter)

	bal, err := qs.GetBalances(ctx, taker)
	require.NoError(t, err)
	assert.Equal(t, last, bal.AsOfSequence)
	got := make(map[ledger.AssetID]int64)
	for _, b := range bal.Balances {
		got[b.AssetID] = b.Balance
	}
	assert.Equal(t, int64(300), got[2])
	assert.Equal(t, int64(43), got[3])

	history, err := qs.GetJournalHistory(ctx, taker, 10, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i-1].Sequence, history[i].Sequence)
	}

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	// A rebuild from the journal lands on the same balances.
	require.NoError(t, projection.RebuildBalances(ctx, db, zerolog.Nop()))
	rebuilt, err := qs.GetBalances(ctx, taker)
	require.NoError(t, err)
	assert.ElementsMatch(t, bal.Balances, rebuilt.Balances)
	assert.Equal(t, last, rebuilt.AsOfSequence)
}

func TestQueryService_UnknownEscrow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	_, err := query.NewQueryService(db).GetEscrow(context.Background(), ledger.Address{0x42})
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}
