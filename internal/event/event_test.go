package event_test

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/signature"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMake(t *testing.T) (*event.EscrowMake, func(event.Instruction) error) {
	t.Helper()
	key, err := signature.GenerateKey()
	require.NoError(t, err)
	ev := &event.EscrowMake{
		RequestID: uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f"),
		Program:   ledger.Address{0xe5},
		Maker:     signature.AddressFromPublicKey(&key.PublicKey),
		Args: escrow.MakeArgs{
			Seed: 1, OfferedAmount: 100, RequestedAmount: 50,
			Offered:   ledger.AssetRef{ID: 2, Decimals: 6},
			Requested: ledger.AssetRef{ID: 3, Decimals: 8},
		},
		Timestamp: time.UnixMicro(1_700_000_000_000_000),
	}
	require.NoError(t, event.SignInstruction(ev, key))
	verify := func(ins event.Instruction) error {
		d, err := ins.SigningDigest()
		if err != nil {
			return err
		}
		return signature.Secp256k1Verifier{}.Verify(ins.Signer(), d, ins.Signature())
	}
	return ev, verify
}

func TestSignInstruction_Verifies(t *testing.T) {
	ev, verify := newMake(t)
	require.Len(t, ev.Sig, 65)
	assert.NoError(t, verify(ev))
}

func TestSigningDigest_CoversEveryField(t *testing.T) {
	ev, verify := newMake(t)

	mutations := map[string]func(e *event.EscrowMake){
		"seed":       func(e *event.EscrowMake) { e.Args.Seed++ },
		"amount":     func(e *event.EscrowMake) { e.Args.OfferedAmount++ },
		"decimals":   func(e *event.EscrowMake) { e.Args.Requested.Decimals++ },
		"request id": func(e *event.EscrowMake) { e.RequestID = uuid.New() },
		"timestamp":  func(e *event.EscrowMake) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"signer":     func(e *event.EscrowMake) { e.Maker[0] ^= 0xff },
		"program":    func(e *event.EscrowMake) { e.Program = ledger.Address{0xe6} },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cp := *ev
			mutate(&cp)
			assert.ErrorIs(t, verify(&cp), signature.ErrInvalidSignature)
		})
	}
}

func TestSigningDigest_DistinctPerType(t *testing.T) {
	id := uuid.New()
	ts := time.UnixMicro(1)
	take := &event.EscrowTake{RequestID: id, Args: escrow.TakeArgs{Seed: 1}, Timestamp: ts}
	refund := &event.EscrowRefund{RequestID: id, Args: escrow.RefundArgs{Seed: 1}, Timestamp: ts}

	d1, err := take.SigningDigest()
	require.NoError(t, err)
	d2, err := refund.SigningDigest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestEventType_RoundTrip(t *testing.T) {
	for _, et := range []event.EventType{
		event.EventTypeEscrowMake,
		event.EventTypeEscrowTake,
		event.EventTypeEscrowRefund,
		event.EventTypeDepositConfirmed,
		event.EventTypeWithdrawalRequested,
	} {
		assert.Equal(t, et, event.ParseEventType(et.String()))
	}
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("EscrowCancel"))
}

func TestCustodyEvents_Partition(t *testing.T) {
	dep := &event.DepositConfirmed{DepositID: uuid.New(), Sequence: 3}
	assert.Equal(t, event.PartitionCustody, dep.Partition())
	assert.Equal(t, int64(3), dep.SourceSequence())
	assert.Empty(t, (&event.EscrowMake{}).Partition())
}
