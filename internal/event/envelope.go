package event

import (
	"EscrowLedger/internal/ledger"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeEscrowMake
	EventTypeEscrowTake
	EventTypeEscrowRefund
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
)

// PartitionCustody orders the custody feed. Signed instructions carry no
// partition and are deduplicated by request ID alone.
const PartitionCustody = "custody"

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Sequence partition, empty for unordered events
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// Wire JSON of the event, re-parsed on replay
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition returns the ordering partition ("" when unordered)
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime is the versioned input timestamp
	EventTime() time.Time
}

// Instruction is an event authorized by a signature over SigningDigest.
type Instruction interface {
	Event
	Signer() ledger.Address
	Signature() []byte
	SigningDigest() ([]byte, error)
	// ProgramID is the escrow program the instruction is addressed to.
	ProgramID() ledger.Address
}

func (et EventType) String() string {
	switch et {
	case EventTypeEscrowMake:
		return "EscrowMake"
	case EventTypeEscrowTake:
		return "EscrowTake"
	case EventTypeEscrowRefund:
		return "EscrowRefund"
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeEscrowMake; et <= EventTypeWithdrawalRequested; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
