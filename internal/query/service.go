package query

import (
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ErrInvalidFilter is returned for list filters that cannot match anything.
var ErrInvalidFilter = errors.New("invalid filter")

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (grpc-gateway), reading from
// PostgreSQL projection tables. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every projected account whose owner is addr.
func (qs *QueryService) GetBalances(ctx context.Context, owner ledger.Address) (*BalancesResponse, error) {
	asOfSeq, err := projection.Watermark(ctx, qs.db, projection.Balances)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance
		FROM projections.balances
		WHERE owner = $1 AND balance != 0
		ORDER BY account_path
	`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{Owner: owner, Balances: []BalanceView{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b BalanceView
		var asset int32
		if err := rows.Scan(&b.AccountPath, &asset, &b.Balance); err != nil {
			return nil, err
		}
		b.AssetID = ledger.AssetID(asset)
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

const escrowColumns = `
	address, vault, maker, seed, offered_asset, requested_asset,
	offered_amount, requested_amount, bump, vault_bump, reserve,
	status, taker, opened_sequence, closed_sequence, opened_at, closed_at`

// GetEscrow returns the projected escrow at address, open or settled.
func (qs *QueryService) GetEscrow(ctx context.Context, address ledger.Address) (*EscrowView, error) {
	asOfSeq, err := projection.Watermark(ctx, qs.db, projection.Escrows)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `SELECT `+escrowColumns+`
		FROM projections.escrows WHERE address = $1`, address.Hex())
	v, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", escrow.ErrEscrowNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	v.AsOfSequence = asOfSeq
	return v, nil
}

// ListEscrows returns projected escrows, newest first.
func (qs *QueryService) ListEscrows(ctx context.Context, f ListEscrowsFilter) ([]EscrowView, error) {
	switch f.Status {
	case "", projection.StatusOpen, projection.StatusTaken, projection.StatusRefunded:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidFilter, f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	asOfSeq, err := projection.Watermark(ctx, qs.db, projection.Escrows)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var where []string
	var args []any
	if f.Maker != nil {
		args = append(args, f.Maker.Hex())
		where = append(where, fmt.Sprintf("maker = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + escrowColumns + ` FROM projections.escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY opened_sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []EscrowView{}
	for rows.Next() {
		v, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		v.AsOfSequence = asOfSeq
		out = append(out, *v)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*EscrowView, error) {
	var (
		addr, vault, maker, seed string
		offered, requested       int32
		offeredAmt, requestedAmt int64
		bump, vaultBump          int16
		taker                    sql.NullString
		closedSeq                sql.NullInt64
		openedAt                 time.Time
		closedAt                 sql.NullTime
		v                        EscrowView
	)
	if err := s.Scan(
		&addr, &vault, &maker, &seed, &offered, &requested,
		&offeredAmt, &requestedAmt, &bump, &vaultBump, &v.Reserve,
		&v.Status, &taker, &v.OpenedSequence, &closedSeq, &openedAt, &closedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if v.Address, err = ledger.ParseAddress(addr); err != nil {
		return nil, err
	}
	if v.Vault, err = ledger.ParseAddress(vault); err != nil {
		return nil, err
	}
	if v.Maker, err = ledger.ParseAddress(maker); err != nil {
		return nil, err
	}
	if v.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, fmt.Errorf("seed %q: %w", seed, err)
	}
	if taker.Valid {
		t, err := ledger.ParseAddress(taker.String)
		if err != nil {
			return nil, err
		}
		v.Taker = &t
	}
	if closedSeq.Valid {
		v.ClosedSequence = &closedSeq.Int64
	}
	if closedAt.Valid {
		v.ClosedAt = &closedAt.Time
	}
	v.OpenedAt = &openedAt
	v.OfferedAsset = ledger.AssetID(offered)
	v.RequestedAsset = ledger.AssetID(requested)
	v.OfferedAmount = uint64(offeredAmt)
	v.RequestedAmount = uint64(requestedAmt)
	v.Bump = uint8(bump)
	v.VaultBump = uint8(vaultBump)
	return &v, nil
}

// GetJournalHistory returns journal entries touching any account of owner,
// newest first, paging backwards from afterSequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner ledger.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	// user: and program: paths both carry the owner in the second segment
	pattern := fmt.Sprintf("%%:%s:%%", owner.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{pattern}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Every journal is balanced, so each asset sums to zero across all accounts.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) as total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var assetID uint16
		var total int64
		if err := balanceRows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   assetID,
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}
