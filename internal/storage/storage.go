// Package storage persists accounts and their tabs in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/khanhromvn/flexbrowser/internal/cookiesync"
	"github.com/khanhromvn/flexbrowser/internal/model"
	_ "modernc.org/sqlite"
)

// migration is a numbered schema change, applied once and recorded in
// schema_migrations.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "accounts and tabs",
		SQL: `
CREATE TABLE IF NOT EXISTS accounts (
    id            TEXT PRIMARY KEY,
    position      INTEGER NOT NULL,
    name          TEXT NOT NULL,
    email         TEXT NOT NULL DEFAULT '',
    active_tab_id TEXT NOT NULL DEFAULT '',
    guest         BOOLEAN NOT NULL DEFAULT FALSE,
    last_used     TEXT,
    signed_in     BOOLEAN NOT NULL DEFAULT FALSE,
    token         TEXT NOT NULL DEFAULT '',
    avatar        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tabs (
    account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    position   INTEGER NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    url        TEXT NOT NULL DEFAULT '',
    favicon    TEXT NOT NULL DEFAULT '',
    provider   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, id)
);`,
	},
	{
		Version:     2,
		Description: "partition cookies",
		SQL: `
CREATE TABLE IF NOT EXISTS partition_cookies (
    partition TEXT NOT NULL,
    domain    TEXT NOT NULL,
    path      TEXT NOT NULL,
    name      TEXT NOT NULL,
    value     TEXT NOT NULL,
    secure    BOOLEAN NOT NULL DEFAULT FALSE,
    http_only BOOLEAN NOT NULL DEFAULT FALSE,
    same_site TEXT NOT NULL DEFAULT '',
    expires   REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (partition, domain, path, name)
);`,
	},
}

// DB wraps the sql handle and implements model.Persister.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, enabling foreign keys and
// WAL mode and applying pending migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; a single connection keeps PRAGMAs applied.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}
		if _, err := db.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SaveAccounts replaces the stored accounts with the given list in one
// transaction.
func (d *DB) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tabs"); err != nil {
		return fmt.Errorf("clear tabs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM accounts"); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}

	for i, a := range accounts {
		var lastUsed any
		if !a.LastUsed.IsZero() {
			lastUsed = a.LastUsed.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO accounts
			(id, position, name, email, active_tab_id, guest, last_used, signed_in, token, avatar)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, i, a.Name, a.Email, a.ActiveTabID, a.Guest, lastUsed, a.SignedIn, a.Token, a.Avatar,
		); err != nil {
			return fmt.Errorf("insert account %s: %w", a.ID, err)
		}
		for j, t := range a.Tabs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO tabs
				(account_id, id, position, title, url, favicon, provider)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.ID, t.ID, j, t.Title, t.URL, t.Favicon, t.Provider,
			); err != nil {
				return fmt.Errorf("insert tab %s: %w", t.ID, err)
			}
		}
	}
	return tx.Commit()
}

// LoadAccounts returns all stored accounts in saved order.
func (d *DB) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, name, email, active_tab_id, guest, last_used, signed_in, token, avatar
		FROM accounts ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	index := make(map[string]int)
	for rows.Next() {
		var a model.Account
		var lastUsed sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.ActiveTabID, &a.Guest, &lastUsed, &a.SignedIn, &a.Token, &a.Avatar); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if lastUsed.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
				a.LastUsed = ts
			}
		}
		index[a.ID] = len(accounts)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	tabRows, err := d.db.QueryContext(ctx, `SELECT account_id, id, title, url, favicon, provider
		FROM tabs ORDER BY account_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query tabs: %w", err)
	}
	defer tabRows.Close()

	for tabRows.Next() {
		var accountID string
		var t model.Tab
		if err := tabRows.Scan(&accountID, &t.ID, &t.Title, &t.URL, &t.Favicon, &t.Provider); err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		if i, ok := index[accountID]; ok {
			accounts[i].Tabs = append(accounts[i].Tabs, t)
		}
	}
	return accounts, tabRows.Err()
}

// SaveCookies replaces the stored cookie jar of a partition. Session
// cookies (no expiry) are not kept.
func (d *DB) SaveCookies(ctx context.Context, partition string, cookies []cookiesync.Cookie) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM partition_cookies WHERE partition = ?", partition); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Expires <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO partition_cookies
			(partition, domain, path, name, value, secure, http_only, same_site, expires)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			partition, c.Domain, c.Path, c.Name, c.Value, c.Secure, c.HTTPOnly, c.SameSite, c.Expires,
		); err != nil {
			return fmt.Errorf("insert cookie %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// LoadCookies returns the unexpired cookies stored for a partition.
func (d *DB) LoadCookies(ctx context.Context, partition string, now time.Time) ([]cookiesync.Cookie, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT domain, path, name, value, secure, http_only, same_site, expires
		FROM partition_cookies WHERE partition = ? AND expires > ? ORDER BY domain, path, name`,
		partition, float64(now.Unix()))
	if err != nil {
		return nil, fmt.Errorf("query cookies: %w", err)
	}
	defer rows.Close()

	var out []cookiesync.Cookie
	for rows.Next() {
		var c cookiesync.Cookie
		if err := rows.Scan(&c.Domain, &c.Path, &c.Name, &c.Value, &c.Secure, &c.HTTPOnly, &c.SameSite, &c.Expires); err != nil {
			return nil, fmt.Errorf("scan cookie: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCookies drops the stored jar of a partition.
func (d *DB) DeleteCookies(ctx context.Context, partition string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM partition_cookies WHERE partition = ?", partition)
	return err
}
