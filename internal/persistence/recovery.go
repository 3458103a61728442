package persistence

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/observability"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrChainMismatch means replay produced a different state hash than the
// one recorded in the log. The process must not serve traffic.
var ErrChainMismatch = errors.New("state hash chain mismatch")

// EventParser decodes a logged payload back into its event.
type EventParser func(eventType string, data []byte) (event.Event, error)

const replayPageSize = 1000

// Recover brings an empty core up to the tip of the event log: latest
// snapshot first, then every later event replayed in order. Each replayed
// hash is checked against the logged one.
func Recover(ctx context.Context, sm *SnapshotManager, c *core.DeterministicCore, parse EventParser, logger zerolog.Logger, metrics *observability.Metrics) error {
	start := time.Now()

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return err
		}
		logged, err := sm.StateHashAt(ctx, snap.Sequence)
		if err != nil {
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}
		if logged != nil && !bytes.Equal(logged, snap.StateHash) {
			return fmt.Errorf("%w: snapshot %d", ErrChainMismatch, snap.Sequence)
		}
		c.RestoreFromSnapshot(st)
		if logged != nil {
			if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
				logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("mark snapshot verified")
			}
		}
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("accounts", len(st.Accounts)).
			Msg("restored snapshot")
	}

	replayed := 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, c.GetSequence(), replayPageSize)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", c.GetSequence(), err)
		}
		for _, row := range rows {
			if err := replayRow(c, row, parse); err != nil {
				return err
			}
			replayed++
		}
		if len(rows) < replayPageSize {
			break
		}
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func replayRow(c *core.DeterministicCore, row EventRow, parse EventParser) error {
	if row.Sequence != c.GetSequence() {
		return fmt.Errorf("event log gap: expected sequence %d, found %d", c.GetSequence(), row.Sequence)
	}
	evt, err := parse(row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", row.Sequence, err)
	}
	res, err := c.Replay(evt)
	if err != nil {
		return fmt.Errorf("replay %d (%s): %w", row.Sequence, row.EventType, err)
	}
	if !bytes.Equal(res.StateHash[:], row.StateHash) {
		return fmt.Errorf("%w: sequence %d", ErrChainMismatch, row.Sequence)
	}
	return nil
}
