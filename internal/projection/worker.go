package projection

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Projection names, used as watermark keys and metric labels.
const (
	Balances = "balances"
	Escrows  = "escrows"
)

// BalanceDelta is the net change of one account within one event.
type BalanceDelta struct {
	AccountPath string
	Owner       string // empty for external accounts
	AssetID     ledger.AssetID
	Delta       int64
}

// Update is everything one core output changes in the projection tables.
type Update struct {
	Sequence    int64
	Balances    []BalanceDelta
	EscrowOpen  *EscrowRow
	EscrowClose *EscrowClose
}

// Plan derives the projection update for out. Debits increase a balance and
// credits decrease it, matching ledger.BalanceTracker.
func Plan(out core.CoreOutput) Update {
	u := Update{Sequence: out.Envelope.Sequence}

	if out.Batch != nil {
		deltas := make(map[ledger.AccountKey]int64)
		for _, j := range out.Batch.Journals {
			deltas[j.DebitAccount] += j.Amount
			deltas[j.CreditAccount] -= j.Amount
		}
		for key, d := range deltas {
			if d == 0 {
				continue
			}
			bd := BalanceDelta{AccountPath: key.AccountPath(), AssetID: key.AssetID, Delta: d}
			if !key.IsExternal() {
				bd.Owner = key.EntityID.Hex()
			}
			u.Balances = append(u.Balances, bd)
		}
		sort.Slice(u.Balances, func(i, j int) bool {
			return u.Balances[i].AccountPath < u.Balances[j].AccountPath
		})
	}

	if out.Receipt != nil {
		u.EscrowOpen, u.EscrowClose = escrowFromReceipt(out.Receipt, u.Sequence, out.Envelope.Timestamp)
	}
	return u
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop, so a worker can miss
// outputs. Balances can be rebuilt from the journal; escrow reads that need
// exact state go to the live core.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger

	marks map[string]int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
		marks:     map[string]int64{Balances: -1, Escrows: -1},
	}
}

// Run loads the watermarks and applies outputs until ctx is cancelled or the
// channel is closed. Outputs at or below a projection's watermark are skipped
// for that projection, so a restart replaying the tail is harmless.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for name := range pw.marks {
		seq, err := Watermark(ctx, pw.db, name)
		if err != nil {
			return fmt.Errorf("load %s watermark: %w", name, err)
		}
		pw.marks[name] = seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.apply(ctx, Plan(output)); err != nil {
				// Projections are eventually consistent
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	doBalances := u.Sequence > pw.marks[Balances]
	doEscrows := u.Sequence > pw.marks[Escrows]
	if !doBalances && !doEscrows {
		return nil
	}
	pw.checkGap(u.Sequence)

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if doBalances {
		for _, d := range u.Balances {
			if err := upsertBalance(ctx, tx, d, u.Sequence); err != nil {
				return fmt.Errorf("balance %s: %w", d.AccountPath, err)
			}
		}
		if err := setWatermark(ctx, tx, Balances, u.Sequence); err != nil {
			return err
		}
	}
	if doEscrows {
		if u.EscrowOpen != nil {
			if err := upsertEscrow(ctx, tx, u.EscrowOpen); err != nil {
				return fmt.Errorf("escrow open %s: %w", u.EscrowOpen.Address, err)
			}
		}
		if u.EscrowClose != nil {
			if err := closeEscrow(ctx, tx, u.EscrowClose); err != nil {
				return fmt.Errorf("escrow close %s: %w", u.EscrowClose.Address, err)
			}
		}
		if err := setWatermark(ctx, tx, Escrows, u.Sequence); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	took := time.Since(start).Seconds()
	for name, done := range map[string]bool{Balances: doBalances, Escrows: doEscrows} {
		if !done {
			continue
		}
		pw.marks[name] = u.Sequence
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(name).Observe(took)
		}
	}
	return nil
}

func (pw *ProjectionWorker) checkGap(seq int64) {
	for name, mark := range pw.marks {
		if mark >= 0 && seq > mark+1 {
			pw.logger.Warn().
				Str("projection", name).
				Int64("watermark", mark).
				Int64("sequence", seq).
				Msg("projection missed outputs")
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues(name).Add(float64(seq - mark - 1))
			}
		}
	}
}

func upsertBalance(ctx context.Context, tx *sql.Tx, d BalanceDelta, seq int64) error {
	owner := sql.NullString{String: d.Owner, Valid: d.Owner != ""}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, owner, asset_id, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $4, last_sequence = $5, updated_at = NOW()
	`, d.AccountPath, owner, int32(d.AssetID), d.Delta, seq)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, name string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, name, seq); err != nil {
		return fmt.Errorf("%s watermark: %w", name, err)
	}
	return nil
}

// Watermark returns the last sequence applied to a projection, or -1.
func Watermark(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = $1
	`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// RebuildBalances recomputes projections.balances from event_log.journal in
// one transaction and moves the balances watermark to the last journaled
// sequence.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	// owner is the address segment of user: and program: paths
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, owner, asset_id, balance, last_sequence, updated_at)
		SELECT account_path,
		       CASE WHEN account_path LIKE 'external:%' THEN NULL
		            ELSE split_part(account_path, ':', 2) END,
		       asset_id, SUM(delta), MAX(sequence), NOW()
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&last); err != nil {
		return fmt.Errorf("rebuild balances: tip: %w", err)
	}
	if last.Valid {
		if err := setWatermark(ctx, tx, Balances, last.Int64); err != nil {
			return err
		}
	} else if _, err := tx.ExecContext(ctx, `DELETE FROM projections.watermark WHERE projection = $1`, Balances); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int64("watermark", last.Int64).Msg("balance projection rebuilt")
	return nil
}
