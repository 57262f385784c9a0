// Package persist provides durable gateway state backed by an embedded
// SQLite database: the router session (password, mudlist/chanlist ids) and
// an optional session index for cross-restart resume.
//
// Migration design: SQL statements are kept in the migrations slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package persist

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"i3gateway/internal/router"
)

var migrations = []string{
	// v1 — settings key/value store (router password, mudlist_id, chanlist_id)
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — session index for cross-restart resume
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		mud_name         TEXT NOT NULL,
		api_key_id       TEXT NOT NULL,
		permissions_json TEXT NOT NULL DEFAULT '[]',
		created_at       INTEGER NOT NULL,
		last_activity    INTEGER NOT NULL
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes gateway persistence.
// It implements internal/router.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("persist: enabling WAL mode", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("persist: setting busy_timeout", "error", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("persist: applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns every key/value pair from the settings table, used
// by the admin CLI's settings subcommand.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

const (
	settingRouterPassword = "router_password"
	settingMudlistID      = "mudlist_id"
	settingChanlistID     = "chanlist_id"
)

// LoadRouterState implements internal/router.Store.
func (s *Store) LoadRouterState() (router.PersistentState, error) {
	var st router.PersistentState
	password, _, err := s.GetSetting(settingRouterPassword)
	if err != nil {
		return st, fmt.Errorf("load router_password: %w", err)
	}
	mudlistID, _, err := s.GetSetting(settingMudlistID)
	if err != nil {
		return st, fmt.Errorf("load mudlist_id: %w", err)
	}
	chanlistID, _, err := s.GetSetting(settingChanlistID)
	if err != nil {
		return st, fmt.Errorf("load chanlist_id: %w", err)
	}
	st.Password = parseInt32(password)
	st.MudlistID = parseInt32(mudlistID)
	st.ChanlistID = parseInt32(chanlistID)
	return st, nil
}

// SaveRouterState implements internal/router.Store.
func (s *Store) SaveRouterState(st router.PersistentState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, val := range map[string]int32{
		settingRouterPassword: st.Password,
		settingMudlistID:      st.MudlistID,
		settingChanlistID:     st.ChanlistID,
	} {
		if _, err := tx.Exec(
			`INSERT INTO settings(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, fmt.Sprintf("%d", val),
		); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func parseInt32(s string) int32 {
	var n int32
	fmt.Sscanf(s, "%d", &n)
	return n
}

// Backup creates a consistent copy of the database at destPath using
// SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
