package ledger_test

import (
	"EscrowLedger/internal/ledger"
	"errors"
	"math"
	"testing"
)

var (
	ownerA = ledger.MustParseAddress("0x1111111111111111111111111111111111111111111111111111111111111111")
	vaultV = ledger.MustParseAddress("0x2222222222222222222222222222222222222222222222222222222222222222")
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	key := ledger.NewWalletKey(ownerA, 2)

	path := key.AccountPath()
	expected := "user:0x1111111111111111111111111111111111111111111111111111111111111111:available:2"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_VaultAndReservePath(t *testing.T) {
	vault := ledger.NewVaultKey(vaultV, 3)
	if got := vault.AccountPath(); got != "program:"+vaultV.Hex()+":vault:3" {
		t.Errorf("vault path: got %q", got)
	}

	reserve := ledger.NewReserveKey(vaultV, 1)
	if got := reserve.AccountPath(); got != "program:"+vaultV.Hex()+":reserve:1" {
		t.Errorf("reserve path: got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)

	if path := key.AccountPath(); path != "external:deposits:2" {
		t.Errorf("got %q, want %q", path, "external:deposits:2")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewWalletKey(ownerA, 2),
		ledger.NewVaultKey(vaultV, 3),
		ledger.NewReserveKey(vaultV, 1),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, 4),
	}

	for _, want := range keys {
		got, err := ledger.ParseAccountPath(want.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", want.AccountPath(), err)
		}
		if got != want {
			t.Errorf("round trip mismatch for %s: got %+v", want.AccountPath(), got)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	bad := []string{
		"",
		"user:0x11:available:2",
		"external:deposits",
		"program:" + vaultV.Hex() + ":staking:1",
		"external:deposits:70000",
	}
	for _, p := range bad {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("expected error for %q", p)
		}
	}
}

// ============================================================================
// Test: AssetRegistry
// ============================================================================

func TestAssetRegistry_Check(t *testing.T) {
	reg, err := ledger.NewAssetRegistry(
		ledger.Asset{ID: 1, Symbol: "NATIVE", Decimals: 9},
		ledger.Asset{ID: 2, Symbol: "USDC", Decimals: 6},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err := reg.Check(ledger.AssetRef{ID: 2, Decimals: 6}); err != nil {
		t.Errorf("valid ref rejected: %v", err)
	}
	if _, err := reg.Check(ledger.AssetRef{ID: 2, Decimals: 9}); !errors.Is(err, ledger.ErrDecimalsMismatch) {
		t.Errorf("expected ErrDecimalsMismatch, got %v", err)
	}
	if _, err := reg.Check(ledger.AssetRef{ID: 9, Decimals: 6}); !errors.Is(err, ledger.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}

	usdc, ok := reg.BySymbol("USDC")
	if !ok || usdc.ID != 2 {
		t.Errorf("BySymbol(USDC) = %+v, %v", usdc, ok)
	}
}

func TestAssetRegistry_RejectsDuplicates(t *testing.T) {
	_, err := ledger.NewAssetRegistry(
		ledger.Asset{ID: 1, Symbol: "NATIVE", Decimals: 9},
		ledger.Asset{ID: 1, Symbol: "OTHER", Decimals: 6},
	)
	if !errors.Is(err, ledger.ErrDuplicateAsset) {
		t.Errorf("expected ErrDuplicateAsset, got %v", err)
	}

	if _, err := ledger.NewAssetRegistry(ledger.Asset{ID: 0, Symbol: "ZERO"}); err == nil {
		t.Error("asset id 0 should be rejected")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_Validate_Empty(t *testing.T) {
	b := &ledger.Batch{}
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_Validate_SelfTransfer(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	txn := ledger.NewTxn(tracker, "evt-1", 0, 0)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	if err := txn.Transfer(ext, ext, 10, ledger.JournalTypeDeposit); err == nil {
		t.Error("self-transfer should be rejected")
	}
}

// ============================================================================
// Test: Txn staging
// ============================================================================

func TestTxn_TransferDoesNotTouchTracker(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	txn := ledger.NewTxn(tracker, "evt-1", 0, 1000)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	wallet := ledger.NewWalletKey(ownerA, 2)

	if err := txn.Transfer(ext, wallet, 500, ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := txn.Balance(wallet); got != 500 {
		t.Errorf("staged balance: got %d, want 500", got)
	}
	if got := tracker.GetBalance(wallet); got != 0 {
		t.Errorf("tracker touched before apply: got %d", got)
	}

	if err := tracker.ApplyBatch(txn.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := tracker.GetBalance(wallet); got != 500 {
		t.Errorf("applied balance: got %d, want 500", got)
	}
}

func TestTxn_InsufficientFunds(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	wallet := ledger.NewWalletKey(ownerA, 2)
	vault := ledger.NewVaultKey(vaultV, 2)

	txn := ledger.NewTxn(tracker, "evt-2", 0, 0)
	err := txn.Transfer(wallet, vault, 1, ledger.JournalTypeEscrowDeposit)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(txn.Batch().Journals) != 0 {
		t.Error("failed transfer should not stage a journal")
	}
}

func TestTxn_RejectsBalanceOverflow(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	wallet := ledger.NewWalletKey(ownerA, 2)

	first := ledger.NewTxn(tracker, "evt-max", 0, 0)
	if err := first.Transfer(ext, wallet, math.MaxInt64, ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("deposit up to the limit: %v", err)
	}
	if err := tracker.ApplyBatch(first.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	second := ledger.NewTxn(tracker, "evt-over", 1, 0)
	err := second.Transfer(ext, wallet, 1, ledger.JournalTypeDeposit)
	if !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
	if len(second.Batch().Journals) != 0 {
		t.Error("rejected transfer should not stage a journal")
	}
	if got := tracker.GetBalance(wallet); got != math.MaxInt64 {
		t.Errorf("wallet changed: got %d", got)
	}
}

func TestTxn_RejectsExternalUnderflow(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	tracker.SetBalance(ext, math.MinInt64+10)

	txn := ledger.NewTxn(tracker, "evt-under", 0, 0)
	err := txn.Transfer(ext, ledger.NewWalletKey(ownerA, 2), 11, ledger.JournalTypeDeposit)
	if !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Errorf("expected ErrBalanceOverflow, got %v", err)
	}
}

func TestTxn_StagedLegsSeeEachOther(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	wallet := ledger.NewWalletKey(ownerA, 2)
	vault := ledger.NewVaultKey(vaultV, 2)

	txn := ledger.NewTxn(tracker, "evt-3", 0, 0)
	if err := txn.Transfer(ext, wallet, 100, ledger.JournalTypeDeposit); err != nil {
		t.Fatalf("deposit leg: %v", err)
	}
	if err := txn.Transfer(wallet, vault, 100, ledger.JournalTypeEscrowDeposit); err != nil {
		t.Fatalf("second leg should see staged deposit: %v", err)
	}
	if err := txn.Transfer(wallet, vault, 1, ledger.JournalTypeEscrowDeposit); err == nil {
		t.Error("wallet is empty after second leg")
	}
}

func TestTxn_DeterministicJournalIDs(t *testing.T) {
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)
	wallet := ledger.NewWalletKey(ownerA, 2)

	a := ledger.NewTxn(ledger.NewBalanceTracker(), "evt-same", 7, 0)
	b := ledger.NewTxn(ledger.NewBalanceTracker(), "evt-same", 7, 0)
	_ = a.Transfer(ext, wallet, 5, ledger.JournalTypeDeposit)
	_ = b.Transfer(ext, wallet, 5, ledger.JournalTypeDeposit)

	if a.Batch().BatchID != b.Batch().BatchID {
		t.Error("batch IDs differ for the same event")
	}
	if a.Batch().Journals[0].JournalID != b.Batch().Journals[0].JournalID {
		t.Error("journal IDs differ for the same event")
	}
}

// ============================================================================
// Test: BalanceTracker & invariants
// ============================================================================

func TestBalanceTracker_GlobalZeroSum(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(tracker)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 2)

	txn := ledger.NewTxn(tracker, "evt-4", 0, 0)
	_ = txn.Transfer(ext, ledger.NewWalletKey(ownerA, 2), 1_000_000, ledger.JournalTypeDeposit)
	if err := tracker.ApplyBatch(txn.Batch()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := validator.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
	if err := validator.ValidateAffectedNonNegative(txn.Batch()); err != nil {
		t.Errorf("non-negative violated: %v", err)
	}
}

func TestBalanceTracker_WalletBalances(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	tracker.SetBalance(ledger.NewWalletKey(ownerA, 2), 10)
	tracker.SetBalance(ledger.NewWalletKey(ownerA, 3), 20)
	tracker.SetBalance(ledger.NewVaultKey(ownerA, 2), 99)

	got := tracker.WalletBalances(ownerA)
	if len(got) != 2 || got[2] != 10 || got[3] != 20 {
		t.Errorf("unexpected wallet balances: %v", got)
	}
}
