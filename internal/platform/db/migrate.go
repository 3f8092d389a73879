package db

import (
	"cmp"
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one numbered SQL file. A file without markers is all Up and
// cannot be reverted.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the ledger's SQL files to a tenant schema and tracks them
// in that schema's _migrations table.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

// NewMigrator reads migrations from the root of fsys, usually migrations.FS.
func NewMigrator(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

// LoadMigrations returns the NNN_name.sql files of the migration set ordered
// by version. Other files are ignored; two files with one version are an
// error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	names, err := fs.Glob(m.fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, name := range names {
		prefix, _, ok := strings.Cut(path.Base(name), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		up, down := splitSections(string(content))
		out = append(out, Migration{Version: version, Name: name, Up: up, Down: down})
	}

	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// splitSections returns the Up part (everything before the Down marker, after
// any Up marker) and the Down part of a migration file.
func splitSections(content string) (up, down string) {
	if i := strings.Index(content, downMarker); i >= 0 {
		content, down = content[:i], strings.TrimSpace(content[i+len(downMarker):])
	}
	if i := strings.Index(content, upMarker); i >= 0 {
		content = content[i+len(upMarker):]
	}
	return strings.TrimSpace(content), down
}

// state loads the migration files and the applied versions of schema,
// creating the bookkeeping table on first use.
func (m *Migrator) state(ctx context.Context, schema string) ([]Migration, map[int]time.Time, error) {
	ddl := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, schema)
	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return nil, nil, fmt.Errorf("create %s._migrations: %w", schema, err)
	}

	migs, err := m.LoadMigrations()
	if err != nil {
		return nil, nil, err
	}

	rows, err := m.pool.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s._migrations", schema))
	if err != nil {
		return nil, nil, fmt.Errorf("query %s._migrations: %w", schema, err)
	}
	defer rows.Close()
	applied := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, nil, fmt.Errorf("scan migration row: %w", err)
		}
		applied[v] = at
	}
	return migs, applied, rows.Err()
}

// Up applies every pending migration to schema in version order, each in its
// own transaction, and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	migs, applied, err := m.state(ctx, schema)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mig := range migs {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := m.run(ctx, schema, mig.Up,
			"INSERT INTO _migrations (version, name) VALUES ($1, $2)", mig.Version, mig.Name,
		); err != nil {
			return n, fmt.Errorf("apply %s: %w", mig.Name, err)
		}
		n++
	}
	return n, nil
}

// Down reverts the most recently applied migration. It returns the reverted
// migration, or nil when nothing is applied.
func (m *Migrator) Down(ctx context.Context, schema string) (*Migration, error) {
	migs, applied, err := m.state(ctx, schema)
	if err != nil {
		return nil, err
	}
	for i := len(migs) - 1; i >= 0; i-- {
		mig := migs[i]
		if _, done := applied[mig.Version]; !done {
			continue
		}
		if mig.Down == "" {
			return nil, fmt.Errorf("%s cannot be reverted: no down section", mig.Name)
		}
		if err := m.run(ctx, schema, mig.Down,
			"DELETE FROM _migrations WHERE version = $1", mig.Version,
		); err != nil {
			return nil, fmt.Errorf("revert %s: %w", mig.Name, err)
		}
		return &mig, nil
	}
	return nil, nil
}

// Status lists every known migration with when it was applied to schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	migs, applied, err := m.state(ctx, schema)
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(migs))
	for _, mig := range migs {
		s := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			s.Applied, s.AppliedAt = true, &at
		}
		out = append(out, s)
	}
	return out, nil
}

// run executes script and the bookkeeping statement in one transaction
// scoped to schema.
func (m *Migrator) run(ctx context.Context, schema, script, record string, args ...any) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+schema+", shared, public"); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, script); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}
