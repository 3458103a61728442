package escrow

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/state"
)

type ReceiptKind string

const (
	ReceiptMake   ReceiptKind = "make"
	ReceiptTake   ReceiptKind = "take"
	ReceiptRefund ReceiptKind = "refund"
)

// Receipt describes the effect of one successful operation.
type Receipt struct {
	Kind            ReceiptKind        `json:"kind"`
	Escrow          ledger.Address     `json:"escrow"`
	Vault           ledger.Address     `json:"vault"`
	Record          state.EscrowRecord `json:"record"`
	Taker           *ledger.Address    `json:"taker,omitempty"`
	Deposited       uint64             `json:"deposited,omitempty"`
	Released        uint64             `json:"released,omitempty"`
	Paid            uint64             `json:"paid,omitempty"`
	ReserveLocked   int64              `json:"reserve_locked,omitempty"`
	ReserveReturned int64              `json:"reserve_returned,omitempty"`
}
