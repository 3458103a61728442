package ingestion

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ErrMalformed marks payloads that can never become a valid event.
// Redelivering them does not help.
var ErrMalformed = errors.New("malformed event")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	return ParseEvent(eventType, raw.Data)
}

// ParseEvent decodes the wire JSON of eventType. It is the inverse of
// EncodeEvent and is used both at ingestion and when replaying the log.
func ParseEvent(eventType string, data []byte) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch event.ParseEventType(eventType) {
	case event.EventTypeEscrowMake:
		evt, err = parseEscrowMake(data)
	case event.EventTypeEscrowTake:
		evt, err = parseEscrowTake(data)
	case event.EventTypeEscrowRefund:
		evt, err = parseEscrowRefund(data)
	case event.EventTypeDepositConfirmed:
		evt, err = parseDepositConfirmed(data)
	case event.EventTypeWithdrawalRequested:
		evt, err = parseWithdrawalRequested(data)
	default:
		return nil, fmt.Errorf("%w: unknown event type: %s", ErrMalformed, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return evt, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses and
// signatures are 0x-prefixed hex.

type makeJSON struct {
	RequestID   string          `json:"request_id"`
	Program     ledger.Address  `json:"program"`
	Maker       ledger.Address  `json:"maker"`
	Args        escrow.MakeArgs `json:"args"`
	TimestampUs int64           `json:"timestamp_us"`
	Signature   hexutil.Bytes   `json:"signature"`
}

type takeJSON struct {
	RequestID   string          `json:"request_id"`
	Program     ledger.Address  `json:"program"`
	Taker       ledger.Address  `json:"taker"`
	Args        escrow.TakeArgs `json:"args"`
	TimestampUs int64           `json:"timestamp_us"`
	Signature   hexutil.Bytes   `json:"signature"`
}

type refundJSON struct {
	RequestID   string            `json:"request_id"`
	Program     ledger.Address    `json:"program"`
	Caller      ledger.Address    `json:"caller"`
	Args        escrow.RefundArgs `json:"args"`
	TimestampUs int64             `json:"timestamp_us"`
	Signature   hexutil.Bytes     `json:"signature"`
}

type depositJSON struct {
	DepositID   string         `json:"deposit_id"`
	Owner       ledger.Address `json:"owner"`
	Asset       ledger.AssetID `json:"asset"`
	Amount      int64          `json:"amount"`
	Sequence    int64          `json:"sequence"`
	TimestampUs int64          `json:"timestamp_us"`
}

type withdrawalJSON struct {
	WithdrawalID string         `json:"withdrawal_id"`
	Owner        ledger.Address `json:"owner"`
	Asset        ledger.AssetID `json:"asset"`
	Amount       int64          `json:"amount"`
	Sequence     int64          `json:"sequence"`
	TimestampUs  int64          `json:"timestamp_us"`
}

func parseSigner(name string, addr ledger.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%s: missing address", name)
	}
	return nil
}

func parseEscrowMake(data []byte) (*event.EscrowMake, error) {
	var j makeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EscrowMake: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := parseSigner("maker", j.Maker); err != nil {
		return nil, err
	}
	if err := parseSigner("program", j.Program); err != nil {
		return nil, err
	}
	return &event.EscrowMake{
		RequestID: requestID,
		Program:   j.Program,
		Maker:     j.Maker,
		Args:      j.Args,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Sig:       j.Signature,
	}, nil
}

func parseEscrowTake(data []byte) (*event.EscrowTake, error) {
	var j takeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EscrowTake: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := parseSigner("taker", j.Taker); err != nil {
		return nil, err
	}
	if err := parseSigner("program", j.Program); err != nil {
		return nil, err
	}
	return &event.EscrowTake{
		RequestID: requestID,
		Program:   j.Program,
		Taker:     j.Taker,
		Args:      j.Args,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Sig:       j.Signature,
	}, nil
}

func parseEscrowRefund(data []byte) (*event.EscrowRefund, error) {
	var j refundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse EscrowRefund: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if err := parseSigner("caller", j.Caller); err != nil {
		return nil, err
	}
	if err := parseSigner("program", j.Program); err != nil {
		return nil, err
	}
	return &event.EscrowRefund{
		RequestID: requestID,
		Program:   j.Program,
		Caller:    j.Caller,
		Args:      j.Args,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Sig:       j.Signature,
	}, nil
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	if err := parseSigner("owner", j.Owner); err != nil {
		return nil, err
	}
	return &event.DepositConfirmed{
		DepositID: depositID,
		Owner:     j.Owner,
		Asset:     j.Asset,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	withdrawalID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	if err := parseSigner("owner", j.Owner); err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{
		WithdrawalID: withdrawalID,
		Owner:        j.Owner,
		Asset:        j.Asset,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// EncodeEvent renders evt in its wire JSON. The core stores this form in the
// event log payload.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var v any
	switch e := evt.(type) {
	case *event.EscrowMake:
		v = makeJSON{e.RequestID.String(), e.Program, e.Maker, e.Args, e.Timestamp.UnixMicro(), e.Sig}
	case *event.EscrowTake:
		v = takeJSON{e.RequestID.String(), e.Program, e.Taker, e.Args, e.Timestamp.UnixMicro(), e.Sig}
	case *event.EscrowRefund:
		v = refundJSON{e.RequestID.String(), e.Program, e.Caller, e.Args, e.Timestamp.UnixMicro(), e.Sig}
	case *event.DepositConfirmed:
		v = depositJSON{e.DepositID.String(), e.Owner, e.Asset, e.Amount, e.Sequence, e.Timestamp.UnixMicro()}
	case *event.WithdrawalRequested:
		v = withdrawalJSON{e.WithdrawalID.String(), e.Owner, e.Asset, e.Amount, e.Sequence, e.Timestamp.UnixMicro()}
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", evt)
	}
	return json.Marshal(v)
}
