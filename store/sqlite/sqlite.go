// Package sqlite persists the payment and licensing state in SQLite.
// Every invariant that must hold across concurrent server processes is a
// conditional UPDATE or a unique-constraint INSERT here, never an
// application-held lock.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS offers (
    id               TEXT NOT NULL,
    domain_id        TEXT NOT NULL,
    slug             TEXT NOT NULL,
    name             TEXT NOT NULL,
    scope_type       TEXT NOT NULL,
    scope_ref        TEXT NOT NULL DEFAULT '',
    price_sats       INTEGER NOT NULL,
    active           INTEGER NOT NULL DEFAULT 1,
    reads            INTEGER,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    policy_id        TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (domain_id, id)
);

CREATE TABLE IF NOT EXISTS payments (
    payment_hash        TEXT PRIMARY KEY,
    amount_satoshis     INTEGER NOT NULL,
    status              TEXT NOT NULL,
    provider            TEXT NOT NULL DEFAULT '',
    provider_invoice_id TEXT NOT NULL DEFAULT '',
    resource_path       TEXT NOT NULL DEFAULT '',
    actor_id            TEXT NOT NULL DEFAULT '',
    details             TEXT NOT NULL DEFAULT '{}',
    expires_at          INTEGER,
    settled_at          INTEGER,
    failure_reason      TEXT NOT NULL DEFAULT '',
    last_event_id       TEXT NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_events (
    provider     TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    payment_hash TEXT NOT NULL,
    status       TEXT NOT NULL,
    signature    TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL DEFAULT '',
    received_at  INTEGER NOT NULL,
    PRIMARY KEY (provider, event_id)
);

CREATE TABLE IF NOT EXISTS entitlements (
    id               TEXT NOT NULL,
    domain_id        TEXT NOT NULL,
    offer_id         TEXT NOT NULL,
    policy_id        TEXT NOT NULL DEFAULT '',
    policy_version   TEXT NOT NULL DEFAULT '',
    agent_profile_id TEXT NOT NULL,
    payment_hash     TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    remaining_reads  INTEGER,
    expires_at       INTEGER,
    activated_at     INTEGER,
    terminated_at    INTEGER,
    delegated_from   TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    PRIMARY KEY (domain_id, id),
    CHECK (remaining_reads IS NULL OR remaining_reads >= 0)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_payment
    ON entitlements(domain_id, payment_hash) WHERE payment_hash != '';
CREATE INDEX IF NOT EXISTS idx_entitlements_profile
    ON entitlements(domain_id, agent_profile_id, status);

CREATE TABLE IF NOT EXISTS agent_profiles (
    id         TEXT NOT NULL,
    domain_id  TEXT NOT NULL,
    agent_id   TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    PRIMARY KEY (domain_id, id),
    UNIQUE (domain_id, agent_id)
);

CREATE TABLE IF NOT EXISTS access_events (
    id             TEXT PRIMARY KEY,
    domain_id      TEXT NOT NULL,
    entitlement_id TEXT NOT NULL,
    path           TEXT NOT NULL,
    method         TEXT NOT NULL,
    granted        INTEGER NOT NULL,
    reason         TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_decisions (
    request_id     TEXT PRIMARY KEY,
    context        TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    code           TEXT NOT NULL,
    remediation    TEXT NOT NULL DEFAULT '',
    metadata       TEXT NOT NULL DEFAULT '{}',
    policy_version TEXT NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_rules (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    kind  TEXT NOT NULL,
    key   TEXT NOT NULL DEFAULT '',
    value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the SQLite-backed implementation of every persistence
// interface the subsystem uses.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// WAL mode keeps readers unblocked while writers commit.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// nullTime maps an optional time to the INTEGER column (unix nanoseconds).
func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
