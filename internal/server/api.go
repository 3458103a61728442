package server

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/query"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Messages of escrowledger.v1.Escrow. They travel as JSON over both gRPC
// and HTTP.

// SubmitRequest carries one signed instruction in its ingestion wire form.
// Type is make, take or refund (or the full event type name).
type SubmitRequest struct {
	Type        string          `json:"type"`
	Instruction json.RawMessage `json:"instruction"`
}

type SubmitResponse struct {
	Sequence  int64           `json:"sequence"`
	Duplicate bool            `json:"duplicate"`
	Receipt   *escrow.Receipt `json:"receipt,omitempty"`
	StateHash hexutil.Bytes   `json:"state_hash,omitempty"`
}

// GetEscrowRequest identifies an escrow by address or by (maker, seed).
type GetEscrowRequest struct {
	Address *ledger.Address `json:"address,omitempty"`
	Maker   *ledger.Address `json:"maker,omitempty"`
	Seed    *uint64         `json:"seed,omitempty"`
}

type ListEscrowsRequest struct {
	Maker  *ledger.Address `json:"maker,omitempty"`
	Status string          `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

type ListEscrowsResponse struct {
	Escrows      []query.EscrowView `json:"escrows"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// GetBalancesRequest reads live core state unless Projected is set.
type GetBalancesRequest struct {
	Owner     ledger.Address `json:"owner"`
	Projected bool           `json:"projected,omitempty"`
}

type DeriveRequest struct {
	Maker        ledger.Address `json:"maker"`
	Seed         uint64         `json:"seed"`
	OfferedAsset ledger.AssetID `json:"offered_asset"`
}

type DeriveResponse struct {
	Escrow    ledger.Address  `json:"escrow"`
	Bump      uint8           `json:"bump"`
	Vault     *ledger.Address `json:"vault,omitempty"`
	VaultBump uint8           `json:"vault_bump,omitempty"`
}
