// Package sqlitemigrate applies the embedded schema migrations the stores
// ship with. Each .sql file carries "-- +migrate Up" and "-- +migrate Down"
// sections; only the Up section runs, once per file in filename order, and
// every applied file is recorded in a schema_migrations ledger so restarts
// and multiple processes sharing a database file stay idempotent.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const ledgerTable = "schema_migrations"

// ApplyMigrations runs the Up section of every pending .sql file under dir
// (the FS root when dir is empty). Each file is applied and recorded in one
// transaction, so a failed migration stays unrecorded and reruns.
func ApplyMigrations(db *sql.DB, migrationFS fs.FS, dir string) error {
	if db == nil {
		return fmt.Errorf("sql db is required")
	}
	if _, err := db.Exec(
		"CREATE TABLE IF NOT EXISTS " + ledgerTable + " (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)",
	); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	pattern := "*.sql"
	if d := strings.TrimSpace(dir); d != "" && d != "." {
		pattern = path.Join(d, "*.sql")
	}
	files, err := fs.Glob(migrationFS, pattern)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		applied, err := alreadyApplied(db, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		if err := applyOne(db, migrationFS, name); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(db *sql.DB, migrationFS fs.FS, name string) error {
	content, err := fs.ReadFile(migrationFS, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	up := strings.TrimSpace(upSection(string(content)))
	if up == "" {
		return nil
	}

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(up); err != nil && !idempotentDDL(err) {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO "+ledgerTable+" (name, applied_at) VALUES (?, ?)",
		name,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// upSection returns the SQL between the Up marker and the Down marker. A
// file without markers runs whole.
func upSection(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"
	if idx := strings.Index(content, upMarker); idx >= 0 {
		content = content[idx+len(upMarker):]
	}
	if idx := strings.Index(content, downMarker); idx >= 0 {
		content = content[:idx]
	}
	return content
}

// idempotentDDL reports whether the DDL failed only because a prior run of
// the same migration already created the object.
func idempotentDDL(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "already exists") || strings.Contains(text, "duplicate column name")
}

func alreadyApplied(db *sql.DB, name string) (bool, error) {
	var found int
	err := db.QueryRow("SELECT 1 FROM "+ledgerTable+" WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
