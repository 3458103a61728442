package query

import (
	"EscrowLedger/internal/ledger"
	"time"
)

// BalanceView is one ledger account of an owner.
type BalanceView struct {
	AccountPath string         `json:"account_path"`
	AssetID     ledger.AssetID `json:"asset_id"`
	Balance     int64          `json:"balance"`
}

// BalancesResponse lists the balances held under an address. For a wallet
// these are the available balances per asset; for a vault or escrow
// address, its vault and reserve accounts.
type BalancesResponse struct {
	Owner        ledger.Address `json:"owner"`
	Balances     []BalanceView  `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
	Live         bool           `json:"live"`
}

// EscrowView is an escrow as seen by readers. VaultBalance is only filled by
// live reads; projected rows report the terms and lifecycle.
type EscrowView struct {
	Address         ledger.Address  `json:"address"`
	Vault           ledger.Address  `json:"vault"`
	Maker           ledger.Address  `json:"maker"`
	Seed            uint64          `json:"seed,string"`
	OfferedAsset    ledger.AssetID  `json:"offered_asset"`
	RequestedAsset  ledger.AssetID  `json:"requested_asset"`
	OfferedAmount   uint64          `json:"offered_amount"`
	RequestedAmount uint64          `json:"requested_amount"`
	Bump            uint8           `json:"bump"`
	VaultBump       uint8           `json:"vault_bump"`
	Reserve         int64           `json:"reserve"`
	VaultBalance    *int64          `json:"vault_balance,omitempty"`
	Status          string          `json:"status"`
	Taker           *ledger.Address `json:"taker,omitempty"`
	OpenedSequence  int64           `json:"opened_sequence,omitempty"`
	ClosedSequence  *int64          `json:"closed_sequence,omitempty"`
	OpenedAt        *time.Time      `json:"opened_at,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	AsOfSequence    int64           `json:"as_of_sequence"`
	Live            bool            `json:"live"`
}

// ListEscrowsFilter narrows ListEscrows. Zero values match everything.
type ListEscrowsFilter struct {
	Maker  *ledger.Address
	Status string
	Limit  int
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
