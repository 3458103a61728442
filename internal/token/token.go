// Package token moves fungible balances between wallets and program vaults.
// Every transfer names the asset and its decimals, and every debit is
// authorized by whoever controls the source.
package token

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
	"errors"
	"fmt"
	"math"
)

// VaultSize is the fixed storage footprint charged for a vault account.
const VaultSize = 165

var (
	ErrOwnerMismatch  = errors.New("signer does not control the source account")
	ErrMintMismatch   = errors.New("account asset does not match transfer asset")
	ErrAmountOverflow = errors.New("amount exceeds ledger range")
	ErrNotVault       = errors.New("account is not a vault")
)

type Program struct {
	assets *ledger.AssetRegistry
}

func NewProgram(assets *ledger.AssetRegistry) *Program {
	return &Program{assets: assets}
}

// OpenVault creates a vault for asset at addr, controlled by auth and owned by
// program. payer funds the storage reserve.
func (p *Program) OpenVault(txn *state.Txn, addr ledger.Address, program ledger.Address, asset ledger.AssetRef, auth, payer ledger.Address) (*state.Account, error) {
	if _, err := p.assets.Check(asset); err != nil {
		return nil, err
	}
	return txn.CreateAccount(state.Account{
		Address:   addr,
		Kind:      state.AccountKindVault,
		Owner:     program,
		Size:      VaultSize,
		Asset:     asset.ID,
		Authority: auth,
	}, payer)
}

// TransferChecked moves amount of asset from one balance key to another.
// A wallet source needs its owner as signer; a vault source needs the vault
// authority.
func (p *Program) TransferChecked(txn *state.Txn, from, to ledger.AccountKey, asset ledger.AssetRef, amount uint64, signer authority.Signer, jt ledger.JournalType) error {
	if _, err := p.assets.Check(asset); err != nil {
		return err
	}
	if from.AssetID != asset.ID || to.AssetID != asset.ID {
		return fmt.Errorf("%w: from=%d to=%d asset=%d", ErrMintMismatch, from.AssetID, to.AssetID, asset.ID)
	}
	if amount > math.MaxInt64 {
		return fmt.Errorf("%w: %d", ErrAmountOverflow, amount)
	}

	controller, err := p.controller(txn, from)
	if err != nil {
		return err
	}
	if err := authority.Require(signer, controller); err != nil {
		return fmt.Errorf("%w: %v", ErrOwnerMismatch, err)
	}

	return txn.Ledger.Transfer(from, to, int64(amount), jt)
}

// CloseVault closes an empty vault and sends its reserve to recipient.
func (p *Program) CloseVault(txn *state.Txn, addr, recipient ledger.Address, signer authority.Signer) (int64, error) {
	acc, ok := txn.Account(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", state.ErrAccountNotFound, addr)
	}
	if acc.Kind != state.AccountKindVault {
		return 0, fmt.Errorf("%w: %s", ErrNotVault, addr)
	}
	if err := authority.Require(signer, acc.Authority); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOwnerMismatch, err)
	}
	return txn.CloseAccount(addr, recipient)
}

func (p *Program) controller(txn *state.Txn, key ledger.AccountKey) (ledger.Address, error) {
	switch {
	case key.Scope == ledger.AccountScopeUser && key.SubType == ledger.SubTypeAvailable:
		return key.EntityID, nil
	case key.Scope == ledger.AccountScopeProgram && key.SubType == ledger.SubTypeVault:
		acc, ok := txn.Account(key.EntityID)
		if !ok {
			return ledger.Address{}, fmt.Errorf("%w: %s", state.ErrAccountNotFound, key.EntityID)
		}
		if acc.Kind != state.AccountKindVault {
			return ledger.Address{}, fmt.Errorf("%w: %s", ErrNotVault, key.EntityID)
		}
		if acc.Asset != key.AssetID {
			return ledger.Address{}, fmt.Errorf("%w: vault holds %d", ErrMintMismatch, acc.Asset)
		}
		return acc.Authority, nil
	default:
		return ledger.Address{}, fmt.Errorf("%w: %s is not transferable", ErrOwnerMismatch, key.AccountPath())
	}
}
