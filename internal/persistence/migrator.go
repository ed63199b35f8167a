package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Schemas the ledger owns. Migration 000001 creates the audit log,
// 000002 the read-side projections; both must exist before the writer
// and projector start.
const (
	SchemaAuditLog    = "audit_log"
	SchemaProjections = "projections"
)

// Migrator applies the ledger's SQL migrations in version order and keeps
// its bookkeeping inside the audit_log schema so a plain `public` database
// stays untouched. File naming follows golang-migrate:
// {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db            *sql.DB
	migrationsDir string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, migrationsDir: migrationsDir}
}

// Up applies all pending up-migrations in order, then confirms the ledger
// schemas exist.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, f := range files {
		version := extractVersion(f)
		if applied[version] {
			continue
		}
		if err := m.applyOne(ctx, f, version); err != nil {
			return err
		}
	}

	return m.checkLedgerSchemas(ctx)
}

// applyOne runs a single up-migration and records it in one transaction.
func (m *Migrator) applyOne(ctx context.Context, filename, version string) error {
	log.Printf("INFO: applying migration %s", filename)
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, filename))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", filename, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", filename, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+SchemaAuditLog+`.schema_versions (version, filename) VALUES ($1, $2)`,
		version, filename,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", filename, err)
	}

	log.Printf("INFO: applied migration %s", filename)
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM `+SchemaAuditLog+`.schema_versions ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if err == sql.ErrNoRows {
		log.Println("INFO: no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := os.ReadFile(filepath.Join(m.migrationsDir, downFile))
	if err != nil {
		return fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec down migration %s: %w", downFile, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+SchemaAuditLog+`.schema_versions WHERE version = $1`, version,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record %s: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: rolled back migration %s", downFile)
	return nil
}

// ensureVersionTable bootstraps the schema and the version table the
// migrator itself records into. Migration 000001 re-creates the schema
// idempotently, so the ordering does not matter.
func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx,
		`CREATE SCHEMA IF NOT EXISTS `+SchemaAuditLog,
	); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+SchemaAuditLog+`.schema_versions (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// checkLedgerSchemas fails fast when a migration run left the ledger's
// schemas missing, rather than letting the writer discover it mid-flush.
func (m *Migrator) checkLedgerSchemas(ctx context.Context) error {
	for _, schema := range []string{SchemaAuditLog, SchemaProjections} {
		var found string
		err := m.db.QueryRowContext(ctx,
			`SELECT schema_name FROM information_schema.schemata WHERE schema_name = $1`,
			schema,
		).Scan(&found)
		if err == sql.ErrNoRows {
			return fmt.Errorf("schema %s missing after migrations", schema)
		}
		if err != nil {
			return fmt.Errorf("check schema %s: %w", schema, err)
		}
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT version FROM `+SchemaAuditLog+`.schema_versions`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(m.migrationsDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_audit_log.up.sql" returns "000001"
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
