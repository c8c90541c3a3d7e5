package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// migrationLockKey serializes migration runs across API nodes that boot at
// the same time.
const migrationLockKey int64 = 0x706f7374776f726b

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one numbered schema step. Version is the file stem shared by
// the pair, e.g. "0002_versions_comments".
type Migration struct {
	Version string
	Up      string
	Down    string
}

// MigrationState reports one migration as seen by the database. Missing marks
// a recorded version whose files are gone from the directory.
type MigrationState struct {
	Version   string
	Applied   bool
	AppliedAt *time.Time
	Missing   bool
}

type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// LoadMigrations pairs every NNNN_name.up.sql in dir with its down file and
// returns them in version order. Other files are ignored.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	type pair struct {
		Migration
		hasUp, hasDown bool
	}
	byVersion := map[string]*pair{}
	numbers := map[string]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		number, version := match[1], match[1]+"_"+match[2]
		if other, ok := numbers[number]; ok && other != version {
			return nil, fmt.Errorf("migration number %s is used by both %s and %s", number, other, version)
		}
		numbers[number] = version

		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		p := byVersion[version]
		if p == nil {
			p = &pair{Migration: Migration{Version: version}}
			byVersion[version] = p
		}
		if match[3] == "up" {
			p.Up, p.hasUp = string(contents), true
		} else {
			p.Down, p.hasDown = string(contents), true
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for version, p := range byVersion {
		if !p.hasUp {
			return nil, fmt.Errorf("migration %s has no up file", version)
		}
		if !p.hasDown {
			return nil, fmt.Errorf("migration %s has no down file", version)
		}
		out = append(out, p.Migration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every migration in dir that the database has not
// recorded, each in its own transaction, and returns the versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, dir string) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	var done []string
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		states, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range pendingMigrations(migrations, states) {
			if err := runMigrationStep(ctx, conn, m.Version, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Version, err)
			}
			done = append(done, m.Version)
		}
		return nil
	})
	return done, err
}

// RollbackMigrations undoes the latest steps applied migrations, newest
// first. steps <= 0 rolls back everything.
func RollbackMigrations(ctx context.Context, db *sql.DB, dir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]Migration, len(migrations))
	for _, m := range migrations {
		byVersion[m.Version] = m
	}

	var done []string
	err = withMigrationLock(ctx, db, func(conn *sql.Conn) error {
		states, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		for _, version := range rollbackPlan(states, steps) {
			m, ok := byVersion[version]
			if !ok {
				return fmt.Errorf("applied migration %s has no files in %s", version, dir)
			}
			if err := runMigrationStep(ctx, conn, m.Version, m.Down, `DELETE FROM schema_migrations WHERE version = $1`); err != nil {
				return fmt.Errorf("roll back migration %s: %w", m.Version, err)
			}
			done = append(done, m.Version)
		}
		return nil
	})
	return done, err
}

// MigrationStatus lists every migration in dir with whether it is applied,
// followed by recorded versions that have no files.
func MigrationStatus(ctx context.Context, db *sql.DB, dir string) ([]MigrationState, error) {
	migrations, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	states, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationState, 0, len(migrations))
	known := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		known[m.Version] = true
		state := MigrationState{Version: m.Version}
		if at, ok := states[m.Version]; ok {
			state.Applied, state.AppliedAt = true, &at
		}
		out = append(out, state)
	}
	for _, version := range sortedVersions(states) {
		if known[version] {
			continue
		}
		at := states[version]
		out = append(out, MigrationState{Version: version, Applied: true, AppliedAt: &at, Missing: true})
	}
	return out, nil
}

func pendingMigrations(migrations []Migration, applied map[string]time.Time) []Migration {
	out := make([]Migration, 0, len(migrations))
	for _, m := range migrations {
		if _, ok := applied[m.Version]; !ok {
			out = append(out, m)
		}
	}
	return out
}

func rollbackPlan(applied map[string]time.Time, steps int) []string {
	versions := sortedVersions(applied)
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	if steps > 0 && steps < len(versions) {
		versions = versions[:steps]
	}
	return versions
}

func sortedVersions(applied map[string]time.Time) []string {
	out := make([]string, 0, len(applied))
	for version := range applied {
		out = append(out, version)
	}
	sort.Strings(out)
	return out
}

// withMigrationLock holds a session-level advisory lock on one pooled
// connection while fn runs.
func withMigrationLock(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

func runMigrationStep(ctx context.Context, conn *sql.Conn, version, body, record string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if strings.TrimSpace(body) != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db queryExecer) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db queryExecer) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return out, nil
}
