package query

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/projection"
	"EscrowLedger/internal/state"
	"context"
	"sort"
)

// LiveReader answers from committed core state, between events on the core
// goroutine. Results are exact as of the last applied sequence.
type LiveReader struct {
	seq *core.Sequencer
}

func NewLiveReader(seq *core.Sequencer) *LiveReader {
	return &LiveReader{seq: seq}
}

// Escrow returns the open escrow stored at address. Settled escrows no
// longer exist in core state and yield escrow.ErrEscrowNotFound.
func (r *LiveReader) Escrow(ctx context.Context, address ledger.Address) (*EscrowView, error) {
	var (
		view *EscrowView
		err  error
	)
	if doErr := r.seq.Do(ctx, func(c *core.DeterministicCore) {
		var l *escrow.Loaded
		if l, err = c.EscrowAt(address); err == nil {
			view = liveView(c, l)
		}
	}); doErr != nil {
		return nil, doErr
	}
	return view, err
}

// EscrowFor returns the open escrow of (maker, seed).
func (r *LiveReader) EscrowFor(ctx context.Context, maker ledger.Address, seed uint64) (*EscrowView, error) {
	var (
		view *EscrowView
		err  error
	)
	if doErr := r.seq.Do(ctx, func(c *core.DeterministicCore) {
		var l *escrow.Loaded
		if l, err = c.Program().Lookup(c.Accounts(), c.Balances(), maker, seed); err == nil {
			view = liveView(c, l)
		}
	}); doErr != nil {
		return nil, doErr
	}
	return view, err
}

func liveView(c *core.DeterministicCore, l *escrow.Loaded) *EscrowView {
	rec := l.Record
	vaultBal := c.Balances().GetBalance(ledger.NewVaultKey(l.Vault.Address, rec.OfferedAsset))
	return &EscrowView{
		Address:         l.Escrow.Address,
		Vault:           l.Vault.Address,
		Maker:           rec.Maker,
		Seed:            rec.Seed,
		OfferedAsset:    rec.OfferedAsset,
		RequestedAsset:  rec.RequestedAsset,
		OfferedAmount:   rec.OfferedAmount,
		RequestedAmount: rec.RequestedAmount,
		Bump:            rec.Bump,
		VaultBump:       rec.VaultBump,
		Reserve:         l.Escrow.Reserve + l.Vault.Reserve,
		VaultBalance:    &vaultBal,
		Status:          projection.StatusOpen,
		OpenedSequence:  l.Escrow.CreatedAt,
		AsOfSequence:    c.GetSequence() - 1,
		Live:            true,
	}
}

// Balances returns the wallet balances of owner and, when owner is a live
// program account, its vault and reserve balances.
func (r *LiveReader) Balances(ctx context.Context, owner ledger.Address) (*BalancesResponse, error) {
	resp := &BalancesResponse{Owner: owner, Balances: []BalanceView{}, Live: true}
	err := r.seq.Do(ctx, func(c *core.DeterministicCore) {
		tracker := c.Balances()
		for asset, bal := range tracker.WalletBalances(owner) {
			key := ledger.NewWalletKey(owner, asset)
			resp.Balances = append(resp.Balances, BalanceView{AccountPath: key.AccountPath(), AssetID: asset, Balance: bal})
		}
		if acc, ok := c.Accounts().Get(owner); ok {
			keys := []ledger.AccountKey{ledger.NewReserveKey(owner, c.NativeAsset())}
			if acc.Kind == state.AccountKindVault {
				keys = append(keys, ledger.NewVaultKey(owner, acc.Asset))
			}
			for _, key := range keys {
				if bal := tracker.GetBalance(key); bal != 0 {
					resp.Balances = append(resp.Balances, BalanceView{AccountPath: key.AccountPath(), AssetID: key.AssetID, Balance: bal})
				}
			}
		}
		resp.AsOfSequence = c.GetSequence() - 1
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(resp.Balances, func(i, j int) bool {
		return resp.Balances[i].AccountPath < resp.Balances[j].AccountPath
	})
	return resp, nil
}
