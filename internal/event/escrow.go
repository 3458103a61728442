package event

import (
	"EscrowLedger/internal/canonical"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/signature"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// signedBody is the canonical byte form every instruction signature covers.
// Program scopes the signature to one deployment of the escrow program.
type signedBody struct {
	Type        EventType      `cbor:"1,keyasint"`
	RequestID   []byte         `cbor:"2,keyasint"`
	Signer      ledger.Address `cbor:"3,keyasint"`
	Args        any            `cbor:"4,keyasint"`
	TimestampUs int64          `cbor:"5,keyasint"`
	Program     ledger.Address `cbor:"6,keyasint"`
}

func digest(et EventType, program ledger.Address, requestID uuid.UUID, signer ledger.Address, args any, ts time.Time) ([]byte, error) {
	payload, err := canonical.Marshal(signedBody{
		Type:        et,
		RequestID:   requestID[:],
		Signer:      signer,
		Args:        args,
		TimestampUs: ts.UnixMicro(),
		Program:     program,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s signing payload: %w", et, err)
	}
	return signature.Digest(payload), nil
}

// EscrowMake asks to open an escrow for Maker.
type EscrowMake struct {
	RequestID uuid.UUID
	Program   ledger.Address
	Maker     ledger.Address
	Args      escrow.MakeArgs
	Timestamp time.Time
	Sig       []byte
}

func (e *EscrowMake) IdempotencyKey() string    { return e.RequestID.String() }
func (e *EscrowMake) EventType() EventType      { return EventTypeEscrowMake }
func (e *EscrowMake) Partition() string         { return "" }
func (e *EscrowMake) SourceSequence() int64     { return 0 }
func (e *EscrowMake) EventTime() time.Time      { return e.Timestamp }
func (e *EscrowMake) Signer() ledger.Address    { return e.Maker }
func (e *EscrowMake) Signature() []byte         { return e.Sig }
func (e *EscrowMake) ProgramID() ledger.Address { return e.Program }

func (e *EscrowMake) SigningDigest() ([]byte, error) {
	return digest(e.EventType(), e.Program, e.RequestID, e.Maker, e.Args, e.Timestamp)
}

// EscrowTake asks to settle the escrow of (Args.Maker, Args.Seed) for Taker.
type EscrowTake struct {
	RequestID uuid.UUID
	Program   ledger.Address
	Taker     ledger.Address
	Args      escrow.TakeArgs
	Timestamp time.Time
	Sig       []byte
}

func (e *EscrowTake) IdempotencyKey() string    { return e.RequestID.String() }
func (e *EscrowTake) EventType() EventType      { return EventTypeEscrowTake }
func (e *EscrowTake) Partition() string         { return "" }
func (e *EscrowTake) SourceSequence() int64     { return 0 }
func (e *EscrowTake) EventTime() time.Time      { return e.Timestamp }
func (e *EscrowTake) Signer() ledger.Address    { return e.Taker }
func (e *EscrowTake) Signature() []byte         { return e.Sig }
func (e *EscrowTake) ProgramID() ledger.Address { return e.Program }

func (e *EscrowTake) SigningDigest() ([]byte, error) {
	return digest(e.EventType(), e.Program, e.RequestID, e.Taker, e.Args, e.Timestamp)
}

// EscrowRefund asks to cancel an escrow. Caller must be the stored maker.
type EscrowRefund struct {
	RequestID uuid.UUID
	Program   ledger.Address
	Caller    ledger.Address
	Args      escrow.RefundArgs
	Timestamp time.Time
	Sig       []byte
}

func (e *EscrowRefund) IdempotencyKey() string    { return e.RequestID.String() }
func (e *EscrowRefund) EventType() EventType      { return EventTypeEscrowRefund }
func (e *EscrowRefund) Partition() string         { return "" }
func (e *EscrowRefund) SourceSequence() int64     { return 0 }
func (e *EscrowRefund) EventTime() time.Time      { return e.Timestamp }
func (e *EscrowRefund) Signer() ledger.Address    { return e.Caller }
func (e *EscrowRefund) Signature() []byte         { return e.Sig }
func (e *EscrowRefund) ProgramID() ledger.Address { return e.Program }

func (e *EscrowRefund) SigningDigest() ([]byte, error) {
	return digest(e.EventType(), e.Program, e.RequestID, e.Caller, e.Args, e.Timestamp)
}

// SignInstruction fills in the signature of ins with key.
func SignInstruction(ins Instruction, key *ecdsa.PrivateKey) error {
	d, err := ins.SigningDigest()
	if err != nil {
		return err
	}
	sig, err := signature.Sign(d, key)
	if err != nil {
		return fmt.Errorf("sign %s: %w", ins.EventType(), err)
	}
	switch e := ins.(type) {
	case *EscrowMake:
		e.Sig = sig
	case *EscrowTake:
		e.Sig = sig
	case *EscrowRefund:
		e.Sig = sig
	default:
		return fmt.Errorf("cannot sign %T", ins)
	}
	return nil
}
