// Package escrow implements the two-party custody state machine. A maker
// locks an offered asset in a program vault; exactly one of Take or Refund
// later empties the vault and closes it together with the escrow record.
//
// All operations stage their effects on a state.Txn. The caller commits the
// transaction only when the operation returns without error, so a failure
// at any step leaves no trace.
package escrow

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/token"
	"errors"
	"fmt"
	"math"
)

const (
	escrowTag = "escrow"
	vaultTag  = "vault"
)

type MakeArgs struct {
	Seed            uint64          `json:"seed" cbor:"1,keyasint"`
	OfferedAmount   uint64          `json:"offered_amount" cbor:"2,keyasint"`
	RequestedAmount uint64          `json:"requested_amount" cbor:"3,keyasint"`
	Offered         ledger.AssetRef `json:"offered" cbor:"4,keyasint"`
	Requested       ledger.AssetRef `json:"requested" cbor:"5,keyasint"`
}

// TakeArgs names the escrow and repeats the terms the taker agreed to. Take
// refuses if the live record differs, so a signature never applies to an
// escrow re-created under the same seed with other amounts.
type TakeArgs struct {
	Maker           ledger.Address  `json:"maker" cbor:"1,keyasint"`
	Seed            uint64          `json:"seed" cbor:"2,keyasint"`
	Offered         ledger.AssetRef `json:"offered" cbor:"3,keyasint"`
	Requested       ledger.AssetRef `json:"requested" cbor:"4,keyasint"`
	OfferedAmount   uint64          `json:"offered_amount" cbor:"5,keyasint"`
	RequestedAmount uint64          `json:"requested_amount" cbor:"6,keyasint"`
}

type RefundArgs struct {
	Maker   ledger.Address  `json:"maker" cbor:"1,keyasint"`
	Seed    uint64          `json:"seed" cbor:"2,keyasint"`
	Offered ledger.AssetRef `json:"offered" cbor:"3,keyasint"`
}

// AccountReader is the read side shared by state.Txn and state.AccountStore.
type AccountReader interface {
	Get(addr ledger.Address) (*state.Account, bool)
}

type txnReader struct{ txn *state.Txn }

func (r txnReader) Get(addr ledger.Address) (*state.Account, bool) { return r.txn.Account(addr) }

type Program struct {
	id      ledger.Address
	deriver authority.Deriver
	tokens  *token.Program
	assets  *ledger.AssetRegistry
}

func NewProgram(id ledger.Address, deriver authority.Deriver, tokens *token.Program, assets *ledger.AssetRegistry) *Program {
	return &Program{id: id, deriver: deriver, tokens: tokens, assets: assets}
}

func (p *Program) ID() ledger.Address {
	return p.id
}

func escrowSeeds(maker ledger.Address, seed uint64) [][]byte {
	return [][]byte{[]byte(escrowTag), maker.Bytes(), state.SeedBytes(seed)}
}

func vaultSeeds(escrow ledger.Address, asset ledger.AssetID) [][]byte {
	return [][]byte{escrow.Bytes(), []byte(vaultTag), state.AssetBytes(asset)}
}

// EscrowAddress derives the record address and canonical bump for (maker, seed).
func (p *Program) EscrowAddress(maker ledger.Address, seed uint64) (ledger.Address, uint8, error) {
	return p.deriver.FindProgramAddress(escrowSeeds(maker, seed), p.id)
}

// VaultAddress derives the vault address and canonical bump for a record.
func (p *Program) VaultAddress(escrow ledger.Address, asset ledger.AssetID) (ledger.Address, uint8, error) {
	return p.deriver.FindProgramAddress(vaultSeeds(escrow, asset), p.id)
}

func checkAmount(amount uint64) error {
	if amount == 0 || amount > math.MaxInt64 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// Make opens an escrow for the signing maker and funds its vault.
func (p *Program) Make(txn *state.Txn, maker authority.Identity, args MakeArgs) (*Receipt, error) {
	if err := checkAmount(args.OfferedAmount); err != nil {
		return nil, fmt.Errorf("offered: %w", err)
	}
	if err := checkAmount(args.RequestedAmount); err != nil {
		return nil, fmt.Errorf("requested: %w", err)
	}
	if args.Offered.ID == args.Requested.ID {
		return nil, fmt.Errorf("%w: %d", ErrSameAsset, args.Offered.ID)
	}
	if _, err := p.assets.Check(args.Offered); err != nil {
		return nil, fmt.Errorf("offered: %w", err)
	}
	if _, err := p.assets.Check(args.Requested); err != nil {
		return nil, fmt.Errorf("requested: %w", err)
	}

	escrowAddr, bump, err := p.EscrowAddress(maker.Address(), args.Seed)
	if err != nil {
		return nil, fmt.Errorf("derive escrow address: %w", err)
	}
	if _, exists := txn.Account(escrowAddr); exists {
		return nil, fmt.Errorf("%w: %s seed %d", ErrEscrowExists, maker.Address(), args.Seed)
	}
	vaultAddr, vaultBump, err := p.VaultAddress(escrowAddr, args.Offered.ID)
	if err != nil {
		return nil, fmt.Errorf("derive vault address: %w", err)
	}

	rec := state.EscrowRecord{
		Seed:            args.Seed,
		Maker:           maker.Address(),
		OfferedAsset:    args.Offered.ID,
		RequestedAsset:  args.Requested.ID,
		OfferedAmount:   args.OfferedAmount,
		RequestedAmount: args.RequestedAmount,
		Bump:            bump,
		VaultBump:       vaultBump,
	}
	data, err := rec.Encode()
	if err != nil {
		return nil, err
	}

	recAcc, err := txn.CreateAccount(state.Account{
		Address: escrowAddr,
		Kind:    state.AccountKindEscrow,
		Owner:   p.id,
		Data:    data,
	}, maker.Address())
	if err != nil {
		return nil, mapExists(err)
	}
	vaultAcc, err := p.tokens.OpenVault(txn, vaultAddr, p.id, args.Offered, escrowAddr, maker.Address())
	if err != nil {
		return nil, mapExists(err)
	}

	err = p.tokens.TransferChecked(txn,
		ledger.NewWalletKey(maker.Address(), args.Offered.ID),
		ledger.NewVaultKey(vaultAddr, args.Offered.ID),
		args.Offered, args.OfferedAmount, maker, ledger.JournalTypeEscrowDeposit)
	if err != nil {
		return nil, fmt.Errorf("fund vault: %w", err)
	}

	return &Receipt{
		Kind:          ReceiptMake,
		Escrow:        escrowAddr,
		Vault:         vaultAddr,
		Record:        rec,
		Deposited:     args.OfferedAmount,
		ReserveLocked: recAcc.Reserve + vaultAcc.Reserve,
	}, nil
}

// Take pays the maker and releases the vault to the signing taker.
// Payment is staged before release so a failed payment never touches the vault.
func (p *Program) Take(txn *state.Txn, taker authority.Identity, args TakeArgs) (*Receipt, error) {
	loaded, err := p.load(txnReader{txn}, txn.Ledger, args.Maker, args.Seed)
	if err != nil {
		return nil, err
	}
	rec := loaded.Record

	if args.Offered.ID != rec.OfferedAsset {
		return nil, fmt.Errorf("%w: offered %d, escrow holds %d", ErrAssetMismatch, args.Offered.ID, rec.OfferedAsset)
	}
	if args.Requested.ID != rec.RequestedAsset {
		return nil, fmt.Errorf("%w: requested %d, escrow wants %d", ErrAssetMismatch, args.Requested.ID, rec.RequestedAsset)
	}
	if args.OfferedAmount != rec.OfferedAmount || args.RequestedAmount != rec.RequestedAmount {
		return nil, fmt.Errorf("%w: signed %d for %d, escrow is %d for %d", ErrTermsMismatch,
			args.OfferedAmount, args.RequestedAmount, rec.OfferedAmount, rec.RequestedAmount)
	}
	if taker.Address() == rec.Maker {
		return nil, ErrSelfTake
	}

	err = p.tokens.TransferChecked(txn,
		ledger.NewWalletKey(taker.Address(), rec.RequestedAsset),
		ledger.NewWalletKey(rec.Maker, rec.RequestedAsset),
		args.Requested, rec.RequestedAmount, taker, ledger.JournalTypeEscrowPayment)
	if err != nil {
		return nil, fmt.Errorf("pay maker: %w", err)
	}

	released, returned, err := p.settle(txn, loaded, taker.Address(), args.Offered, ledger.JournalTypeEscrowRelease)
	if err != nil {
		return nil, err
	}

	who := taker.Address()
	return &Receipt{
		Kind:            ReceiptTake,
		Escrow:          loaded.Escrow.Address,
		Vault:           loaded.Vault.Address,
		Record:          *rec,
		Taker:           &who,
		Released:        released,
		Paid:            rec.RequestedAmount,
		ReserveReturned: returned,
	}, nil
}

// Refund returns the vault to the maker. Only the stored maker may sign it.
func (p *Program) Refund(txn *state.Txn, caller authority.Identity, args RefundArgs) (*Receipt, error) {
	loaded, err := p.load(txnReader{txn}, txn.Ledger, args.Maker, args.Seed)
	if err != nil {
		return nil, err
	}
	rec := loaded.Record

	if caller.Address() != rec.Maker {
		return nil, fmt.Errorf("%w: caller %s", ErrUnauthorized, caller.Address())
	}
	if args.Offered.ID != rec.OfferedAsset {
		return nil, fmt.Errorf("%w: offered %d, escrow holds %d", ErrAssetMismatch, args.Offered.ID, rec.OfferedAsset)
	}

	released, returned, err := p.settle(txn, loaded, rec.Maker, args.Offered, ledger.JournalTypeEscrowRefund)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Kind:            ReceiptRefund,
		Escrow:          loaded.Escrow.Address,
		Vault:           loaded.Vault.Address,
		Record:          *rec,
		Released:        released,
		ReserveReturned: returned,
	}, nil
}

// settle drains the vault to recipient under the program signer and closes
// the vault and the record, returning both reserves to the maker.
func (p *Program) settle(txn *state.Txn, l *Loaded, recipient ledger.Address, offered ledger.AssetRef, jt ledger.JournalType) (uint64, int64, error) {
	rec := l.Record
	signer := authority.NewProgramSigner(p.deriver, p.id, rec.Bump, escrowSeeds(rec.Maker, rec.Seed)...)
	vaultKey := ledger.NewVaultKey(l.Vault.Address, rec.OfferedAsset)

	balance := txn.Ledger.Balance(vaultKey)
	err := p.tokens.TransferChecked(txn,
		vaultKey,
		ledger.NewWalletKey(recipient, rec.OfferedAsset),
		offered, uint64(balance), signer, jt)
	if err != nil {
		return 0, 0, fmt.Errorf("release vault: %w", err)
	}

	vaultReserve, err := p.tokens.CloseVault(txn, l.Vault.Address, rec.Maker, signer)
	if err != nil {
		return 0, 0, fmt.Errorf("close vault: %w", err)
	}
	recordReserve, err := txn.CloseAccount(l.Escrow.Address, rec.Maker)
	if err != nil {
		return 0, 0, fmt.Errorf("close escrow: %w", err)
	}
	return uint64(balance), vaultReserve + recordReserve, nil
}

// Loaded is a validated live escrow.
type Loaded struct {
	Record *state.EscrowRecord
	Escrow *state.Account
	Vault  *state.Account
}

// Lookup resolves and validates the escrow for (maker, seed) against
// committed state.
func (p *Program) Lookup(accounts *state.AccountStore, tracker *ledger.BalanceTracker, maker ledger.Address, seed uint64) (*Loaded, error) {
	return p.load(accounts, trackerReader{tracker}, maker, seed)
}

// BalanceReader is the read side shared by ledger.Txn and the committed tracker.
type BalanceReader interface {
	Balance(key ledger.AccountKey) int64
}

type trackerReader struct{ t *ledger.BalanceTracker }

func (r trackerReader) Balance(key ledger.AccountKey) int64 { return r.t.GetBalance(key) }

func (p *Program) load(accounts AccountReader, balances BalanceReader, maker ledger.Address, seed uint64) (*Loaded, error) {
	addr, _, err := p.EscrowAddress(maker, seed)
	if err != nil {
		return nil, fmt.Errorf("derive escrow address: %w", err)
	}
	acc, ok := accounts.Get(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %s seed %d", ErrEscrowNotFound, maker, seed)
	}
	if acc.Kind != state.AccountKindEscrow || acc.Owner != p.id {
		return nil, fmt.Errorf("%w: %s is not an escrow of this program", ErrCorruptEscrow, addr)
	}
	rec, err := state.DecodeEscrowRecord(acc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEscrow, err)
	}
	if rec.Maker != maker || rec.Seed != seed {
		return nil, fmt.Errorf("%w: record terms do not match address", ErrCorruptEscrow)
	}
	if again, err := p.deriver.CreateProgramAddress(escrowSeeds(rec.Maker, rec.Seed), rec.Bump, p.id); err != nil || again != addr {
		return nil, fmt.Errorf("%w: stored bump does not reproduce %s", ErrCorruptEscrow, addr)
	}

	vaultAddr, err := p.deriver.CreateProgramAddress(vaultSeeds(addr, rec.OfferedAsset), rec.VaultBump, p.id)
	if err != nil {
		return nil, fmt.Errorf("%w: stored vault bump: %v", ErrCorruptEscrow, err)
	}
	vault, ok := accounts.Get(vaultAddr)
	if !ok {
		return nil, fmt.Errorf("%w: vault %s missing", ErrCorruptEscrow, vaultAddr)
	}
	if vault.Kind != state.AccountKindVault || vault.Authority != addr || vault.Asset != rec.OfferedAsset {
		return nil, fmt.Errorf("%w: vault %s does not belong to %s", ErrCorruptEscrow, vaultAddr, addr)
	}

	held := balances.Balance(ledger.NewVaultKey(vaultAddr, rec.OfferedAsset))
	if held != int64(rec.OfferedAmount) {
		return nil, fmt.Errorf("%w: vault holds %d, escrow deposited %d", ErrCorruptEscrow, held, rec.OfferedAmount)
	}

	return &Loaded{Record: rec, Escrow: acc, Vault: vault}, nil
}

func mapExists(err error) error {
	if errors.Is(err, state.ErrAccountExists) {
		return fmt.Errorf("%w: %v", ErrEscrowExists, err)
	}
	return err
}
