package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serializes concurrent "migrate up" runs across replicas.
const migrationLockKey int64 = 0x62696c6c696e67 // "billing"

// Migration is one numbered SQL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports whether a migration ran and whether its file has
// changed since.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	Modified  bool
}

type appliedRecord struct {
	At       time.Time
	Checksum string
}

// Migrator applies numbered SQL files to a schema and records each in
// _migrations together with a checksum of its contents. Ledger tables are
// never rolled back, so an applied file that no longer matches its checksum
// blocks further migrations.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
}

func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, fsys: os.DirFS(migrationsDir)}
}

// NewMigratorFS reads migrations from fsys, usually migrations.FS.
func NewMigratorFS(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys}
}

func quoteSchema(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}

// EnsureMigrationsTable creates the schema and its _migrations table.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context, schema string) error {
	q := quoteSchema(schema)
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   CHAR(64),
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, q)
	if _, err := m.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

// LoadMigrations returns the "NNN_name.sql" files sorted by version.
// Other files are ignored; two files with the same number are an error.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		content, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", name, err)
		}
		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: checksum(string(content)),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

func (m *Migrator) applied(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, schema string) (map[int]appliedRecord, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT version, applied_at, COALESCE(checksum, '') FROM %s._migrations`, quoteSchema(schema)))
	if err != nil {
		return nil, fmt.Errorf("query applied versions in %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]appliedRecord)
	for rows.Next() {
		var v int
		var rec appliedRecord
		if err := rows.Scan(&v, &rec.At, &rec.Checksum); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		out[v] = rec
	}
	return out, rows.Err()
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations up to and including targetVersion; zero
// means all. The run holds a session advisory lock so replicas starting
// together apply each file once; every migration commits on its own.
func (m *Migrator) UpTo(ctx context.Context, schema string, targetVersion int) (int, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return 0, fmt.Errorf("take migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)

	applied, err := m.applied(ctx, conn, schema)
	if err != nil {
		return 0, err
	}
	if drift := modified(migrations, applied); len(drift) > 0 {
		return 0, fmt.Errorf("applied migrations changed on disk: %s", strings.Join(drift, ", "))
	}

	count := 0
	for _, mig := range migrations {
		if targetVersion > 0 && mig.Version > targetVersion {
			break
		}
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := applyMigration(ctx, conn, schema, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", quoteSchema(schema))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name, checksum) VALUES ($1, $2, $3)",
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.pool, schema)
	if err != nil {
		return nil, err
	}
	return mergeStatus(migrations, applied), nil
}

// modified names applied migrations whose recorded checksum differs from
// the file. Rows recorded without a checksum are trusted.
func modified(migrations []Migration, applied map[int]appliedRecord) []string {
	var out []string
	for _, mig := range migrations {
		rec, ok := applied[mig.Version]
		if ok && rec.Checksum != "" && rec.Checksum != mig.Checksum {
			out = append(out, mig.Name)
		}
	}
	return out
}

func mergeStatus(migrations []Migration, applied map[int]appliedRecord) []MigrationStatus {
	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if rec, ok := applied[mig.Version]; ok {
			at := rec.At
			st.Applied = true
			st.AppliedAt = &at
			st.Modified = rec.Checksum != "" && rec.Checksum != mig.Checksum
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Pending counts migrations that have not run yet.
func Pending(statuses []MigrationStatus) int {
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n
}
