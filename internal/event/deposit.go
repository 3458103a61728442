package event

import (
	"EscrowLedger/internal/ledger"
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed credits a wallet once custody has confirmed funds.
type DepositConfirmed struct {
	DepositID uuid.UUID
	Owner     ledger.Address
	Asset     ledger.AssetID
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) Partition() string {
	return PartitionCustody
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

func (d *DepositConfirmed) EventTime() time.Time {
	return d.Timestamp
}
