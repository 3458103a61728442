package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const existsEventSQL = `SELECT EXISTS (
	SELECT 1 FROM event_log.events WHERE event_type = $1 AND idempotency_key = $2
)`

// PostgresIdempotencyChecker is the second dedup tier, consulted when the
// core's LRU misses. It relies on the (event_type, idempotency_key) unique
// index on event_log.events.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB, timeout time.Duration) *PostgresIdempotencyChecker {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &PostgresIdempotencyChecker{db: db, timeout: timeout}
}

// IsDuplicate reports whether the event is already in the persisted log.
// Events still in the writer's batch are not visible here; the LRU covers them.
func (c *PostgresIdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists bool
	if err := c.db.QueryRowContext(ctx, existsEventSQL, eventType, idempotencyKey).Scan(&exists); err != nil {
		return false, fmt.Errorf("dedup lookup %s/%s: %w", eventType, idempotencyKey, err)
	}
	return exists, nil
}
