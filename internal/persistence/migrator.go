package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock held while migrating, so two
// escrowledger processes starting together do not race.
const migrationLockID = 0x6573_6372_6f77 // "escrow"

var ErrMigrationChanged = errors.New("applied migration file was modified")

// Migration is one {version}_{name}.up.sql file and its optional down file.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

// MigrationStatus is one migration file and whether it has been applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Migrator applies golang-migrate style SQL files. Each applied file is
// recorded with its SHA-256; Up refuses to continue if one has changed.
type Migrator struct {
	db     *sql.DB
	fsys   fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), logger)
}

func NewMigratorFS(db *sql.DB, fsys fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, fsys: fsys, logger: logger}
}

// LoadMigrations reads and pairs every migration in fsys, ordered by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.up.sql", name)
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			if m.Up != "" {
				return nil, fmt.Errorf("migration %s: duplicate version %s", name, version)
			}
			sum := sha256.Sum256(body)
			m.Name, m.Up, m.Checksum = name, string(body), hex.EncodeToString(sum[:])
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for _, mg := range migrations {
			if sum, ok := applied[mg.Version]; ok {
				if sum != mg.Checksum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, mg.Name)
				}
				continue
			}
			m.logger.Info().Str("file", mg.Name).Msg("applying migration")
			err := inTx(ctx, conn, mg.Up, `INSERT INTO public.escrow_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
				mg.Version, mg.Name, mg.Checksum)
			if err != nil {
				return fmt.Errorf("migration %s: %w", mg.Name, err)
			}
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.escrow_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		var mg *Migration
		for i := range migrations {
			if migrations[i].Version == version {
				mg = &migrations[i]
			}
		}
		if mg == nil || mg.Down == "" {
			return fmt.Errorf("no down migration for version %s", version)
		}
		if err := inTx(ctx, conn, mg.Down, `DELETE FROM public.escrow_migrations WHERE version = $1`, version); err != nil {
			return fmt.Errorf("roll back %s: %w", mg.Name, err)
		}
		m.logger.Info().Str("version", version).Msg("rolled back migration")
		return nil
	})
}

// Status lists every migration in order with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := LoadMigrations(m.fsys)
	if err != nil {
		return nil, err
	}
	var out []MigrationStatus
	err = m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		out = make([]MigrationStatus, 0, len(migrations))
		for _, mg := range migrations {
			_, ok := applied[mg.Version]
			out = append(out, MigrationStatus{Version: mg.Version, Filename: mg.Name, Applied: ok})
		}
		return nil
	})
	return out, err
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.escrow_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}
	return fn(conn)
}

// applied returns the checksum of every applied version.
func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM public.escrow_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func inTx(ctx context.Context, conn *sql.Conn, script, record string, args ...any) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return err
	}
	return tx.Commit()
}
