// Package store provides data persistence implementations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists expiry-cache warm-start data and the feed
// outage journal. It deliberately stores no tick history.
type SQLiteStore struct {
	db *sql.DB
}

// StoredExpiries is one persisted expiry-cache entry.
type StoredExpiries struct {
	Underlying string
	Dates      []string
	FetchedAt  time.Time
}

// Outage is one feed outage journal row.
type Outage struct {
	ID        int64
	StartedAt time.Time
	EndedAt   *time.Time
	Reason    string
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Last good expiry lists per underlying, for cache warm start
	CREATE TABLE IF NOT EXISTS expiry_cache (
		underlying TEXT PRIMARY KEY,
		expiries TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Feed outage journal
	CREATE TABLE IF NOT EXISTS feed_outages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outages_started ON feed_outages(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveExpiries stores the last good expiry list for an underlying.
func (s *SQLiteStore) SaveExpiries(underlying string, dates []string, fetchedAt time.Time) error {
	payload, err := json.Marshal(dates)
	if err != nil {
		return fmt.Errorf("failed to encode expiries: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO expiry_cache (underlying, expiries, fetched_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(underlying) DO UPDATE SET
			expiries = excluded.expiries,
			fetched_at = excluded.fetched_at,
			updated_at = CURRENT_TIMESTAMP`,
		underlying, string(payload), fetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save expiries for %s: %w", underlying, err)
	}
	return nil
}

// LoadExpiries returns every persisted expiry-cache entry.
func (s *SQLiteStore) LoadExpiries() ([]StoredExpiries, error) {
	rows, err := s.db.Query(`SELECT underlying, expiries, fetched_at FROM expiry_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to load expiries: %w", err)
	}
	defer rows.Close()

	var out []StoredExpiries
	for rows.Next() {
		var e StoredExpiries
		var payload string
		if err := rows.Scan(&e.Underlying, &payload, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expiry row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Dates); err != nil {
			// Skip an unreadable row rather than failing warm start.
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordOutageStart opens a feed outage journal entry and returns its id.
func (s *SQLiteStore) RecordOutageStart(startedAt time.Time, reason string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO feed_outages (started_at, reason) VALUES (?, ?)`,
		startedAt.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to record outage: %w", err)
	}
	return res.LastInsertId()
}

// RecordOutageEnd closes a feed outage journal entry.
func (s *SQLiteStore) RecordOutageEnd(id int64, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE feed_outages SET ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close outage %d: %w", id, err)
	}
	return nil
}

// RecentOutages returns the most recent outage entries, newest first.
func (s *SQLiteStore) RecentOutages(limit int) ([]Outage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, ended_at, COALESCE(reason, '')
		FROM feed_outages ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load outages: %w", err)
	}
	defer rows.Close()

	var out []Outage
	for rows.Next() {
		var o Outage
		var ended sql.NullTime
		if err := rows.Scan(&o.ID, &o.StartedAt, &ended, &o.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan outage row: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			o.EndedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
