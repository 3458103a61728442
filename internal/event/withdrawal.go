package event

import (
	"EscrowLedger/internal/ledger"
	"time"

	"github.com/google/uuid"
)

// WithdrawalRequested moves funds out of a wallet to the custody boundary.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	Owner        ledger.Address
	Asset        ledger.AssetID
	Amount       int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) Partition() string {
	return PartitionCustody
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawalRequested) EventTime() time.Time {
	return w.Timestamp
}
