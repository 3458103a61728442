package core

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
	"fmt"
)

// dispatchEvent routes to the correct handler. Handlers only stage effects;
// ProcessEvent commits them.
func (c *DeterministicCore) dispatchEvent(txn *state.Txn, evt event.Event) (*escrow.Receipt, error) {
	switch e := evt.(type) {
	case *event.EscrowMake:
		return c.program.Make(txn, authority.Identity(e.Maker), e.Args)
	case *event.EscrowTake:
		return c.program.Take(txn, authority.Identity(e.Taker), e.Args)
	case *event.EscrowRefund:
		return c.program.Refund(txn, authority.Identity(e.Caller), e.Args)
	case *event.DepositConfirmed:
		return nil, c.handleDeposit(txn.Ledger, e)
	case *event.WithdrawalRequested:
		return nil, c.handleWithdrawal(txn.Ledger, e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *DeterministicCore) checkCustody(asset ledger.AssetID, amount int64) error {
	if _, ok := c.assets.Get(asset); !ok {
		return fmt.Errorf("%w: %d", ledger.ErrUnknownAsset, asset)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", escrow.ErrInvalidAmount, amount)
	}
	return nil
}

// handleDeposit credits a wallet from the external deposit boundary.
func (c *DeterministicCore) handleDeposit(lt *ledger.Txn, e *event.DepositConfirmed) error {
	if err := c.checkCustody(e.Asset, e.Amount); err != nil {
		return err
	}
	return lt.Transfer(
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, e.Asset),
		ledger.NewWalletKey(e.Owner, e.Asset),
		e.Amount,
		ledger.JournalTypeDeposit,
	)
}

// handleWithdrawal moves wallet funds to the external withdrawal boundary.
// A withdrawal larger than the wallet fails with ErrInsufficientFunds.
func (c *DeterministicCore) handleWithdrawal(lt *ledger.Txn, e *event.WithdrawalRequested) error {
	if err := c.checkCustody(e.Asset, e.Amount); err != nil {
		return err
	}
	return lt.Transfer(
		ledger.NewWalletKey(e.Owner, e.Asset),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, e.Asset),
		e.Amount,
		ledger.JournalTypeWithdrawal,
	)
}
