package projection

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"context"
	"database/sql"
	"strconv"
	"time"
)

// Escrow lifecycle values stored in projections.escrows.status.
const (
	StatusOpen     = "open"
	StatusTaken    = "taken"
	StatusRefunded = "refunded"
)

// EscrowRow is an escrow opened by a make, as stored in projections.escrows.
type EscrowRow struct {
	Address         ledger.Address
	Vault           ledger.Address
	Maker           ledger.Address
	Seed            uint64
	OfferedAsset    ledger.AssetID
	RequestedAsset  ledger.AssetID
	OfferedAmount   uint64
	RequestedAmount uint64
	Bump            uint8
	VaultBump       uint8
	Reserve         int64
	OpenedSequence  int64
	OpenedAt        time.Time
}

// EscrowClose settles a previously opened row.
type EscrowClose struct {
	Address        ledger.Address
	Status         string
	Taker          *ledger.Address
	ClosedSequence int64
	ClosedAt       time.Time
}

// escrowFromReceipt maps a receipt to the row change it implies.
func escrowFromReceipt(r *escrow.Receipt, seq int64, at time.Time) (*EscrowRow, *EscrowClose) {
	switch r.Kind {
	case escrow.ReceiptMake:
		rec := r.Record
		return &EscrowRow{
			Address:         r.Escrow,
			Vault:           r.Vault,
			Maker:           rec.Maker,
			Seed:            rec.Seed,
			OfferedAsset:    rec.OfferedAsset,
			RequestedAsset:  rec.RequestedAsset,
			OfferedAmount:   rec.OfferedAmount,
			RequestedAmount: rec.RequestedAmount,
			Bump:            rec.Bump,
			VaultBump:       rec.VaultBump,
			Reserve:         r.ReserveLocked,
			OpenedSequence:  seq,
			OpenedAt:        at,
		}, nil
	case escrow.ReceiptTake:
		return nil, &EscrowClose{Address: r.Escrow, Status: StatusTaken, Taker: r.Taker, ClosedSequence: seq, ClosedAt: at}
	case escrow.ReceiptRefund:
		return nil, &EscrowClose{Address: r.Escrow, Status: StatusRefunded, ClosedSequence: seq, ClosedAt: at}
	}
	return nil, nil
}

// upsertEscrow writes an opened escrow. A re-made escrow at the same address
// (same maker and seed after settlement) replaces the settled row.
func upsertEscrow(ctx context.Context, tx *sql.Tx, row *EscrowRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.escrows
			(address, vault, maker, seed, offered_asset, requested_asset,
			 offered_amount, requested_amount, bump, vault_bump, reserve,
			 status, taker, opened_sequence, closed_sequence, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL, $13, NULL, $14, NULL)
		ON CONFLICT (address) DO UPDATE SET
			vault = EXCLUDED.vault,
			offered_asset = EXCLUDED.offered_asset,
			requested_asset = EXCLUDED.requested_asset,
			offered_amount = EXCLUDED.offered_amount,
			requested_amount = EXCLUDED.requested_amount,
			bump = EXCLUDED.bump,
			vault_bump = EXCLUDED.vault_bump,
			reserve = EXCLUDED.reserve,
			status = EXCLUDED.status,
			taker = NULL,
			opened_sequence = EXCLUDED.opened_sequence,
			closed_sequence = NULL,
			opened_at = EXCLUDED.opened_at,
			closed_at = NULL
	`,
		row.Address.Hex(), row.Vault.Hex(), row.Maker.Hex(),
		// NUMERIC column; database/sql rejects uint64 values above MaxInt64
		strconv.FormatUint(row.Seed, 10),
		int32(row.OfferedAsset), int32(row.RequestedAsset),
		int64(row.OfferedAmount), int64(row.RequestedAmount),
		int16(row.Bump), int16(row.VaultBump), row.Reserve,
		StatusOpen, row.OpenedSequence, row.OpenedAt,
	)
	return err
}

func closeEscrow(ctx context.Context, tx *sql.Tx, c *EscrowClose) error {
	var taker sql.NullString
	if c.Taker != nil {
		taker = sql.NullString{String: c.Taker.Hex(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.escrows
		SET status = $2, taker = $3, closed_sequence = $4, closed_at = $5
		WHERE address = $1 AND status = 'open'
	`, c.Address.Hex(), c.Status, taker, c.ClosedSequence, c.ClosedAt)
	return err
}
