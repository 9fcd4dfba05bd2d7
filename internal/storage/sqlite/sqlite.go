package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/roster/internal/storage"
)

// DB is the sqlite session and roster cache backend.
type DB struct {
	db *sql.DB
}

var _ storage.Backend = (*DB)(nil)
var _ storage.RosterCache = (*DB)(nil)

// New opens roster.db inside dataDir.
func New(dataDir string) (*DB, error) {
	return Open(filepath.Join(dataDir, "roster.db"))
}

// Open opens the database at dbPath.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			account TEXT PRIMARY KEY,
			domain TEXT NOT NULL,
			local TEXT NOT NULL,
			resource TEXT,
			credentials BLOB,
			saved_at INTEGER NOT NULL,
			status TEXT,
			status_msg TEXT,
			priority INTEGER DEFAULT 0,
			rooms_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS roster_cache (
			account TEXT NOT NULL,
			jid TEXT NOT NULL,
			name TEXT,
			groups_json TEXT,
			subscription TEXT,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (account, jid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_roster_cache_account ON roster_cache(account)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (d *DB) SaveSession(account string, s storage.SerializedSession) error {
	roomsJSON := "[]"
	if len(s.Rooms) > 0 {
		encoded, err := json.Marshal(s.Rooms)
		if err != nil {
			return err
		}
		roomsJSON = string(encoded)
	}

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO sessions (account, domain, local, resource, credentials, saved_at, status, status_msg, priority, rooms_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, account, s.Domain, s.Local, s.Resource, s.Credentials, s.SavedAt.UnixMilli(), s.Show, s.Status, s.Priority, roomsJSON)
	return err
}

func (d *DB) LoadSession(account string) (*storage.SerializedSession, error) {
	var s storage.SerializedSession
	var savedAt int64
	var resource, status, statusMsg, roomsJSON sql.NullString

	err := d.db.QueryRow(`
		SELECT domain, local, resource, credentials, saved_at, status, status_msg, priority, rooms_json
		FROM sessions
		WHERE account = ?
	`, account).Scan(&s.Domain, &s.Local, &resource, &s.Credentials, &savedAt, &status, &statusMsg, &s.Priority, &roomsJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if resource.Valid {
		s.Resource = resource.String
	}
	if status.Valid {
		s.Show = status.String
	}
	if statusMsg.Valid {
		s.Status = statusMsg.String
	}
	if roomsJSON.Valid && roomsJSON.String != "" {
		_ = json.Unmarshal([]byte(roomsJSON.String), &s.Rooms)
	}
	s.SavedAt = time.UnixMilli(savedAt)

	return &s, nil
}

func (d *DB) DeleteSession(account string) error {
	_, err := d.db.Exec("DELETE FROM sessions WHERE account = ?", account)
	return err
}

func (d *DB) SaveRoster(account string, entries []storage.RosterEntry) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM roster_cache WHERE account = ?", account); err != nil {
		return err
	}

	for _, entry := range entries {
		groupsJSON := "[]"
		if len(entry.Groups) > 0 {
			encoded, err := json.Marshal(entry.Groups)
			if err != nil {
				return err
			}
			groupsJSON = string(encoded)
		}

		_, err := tx.Exec(`
			INSERT INTO roster_cache (account, jid, name, groups_json, subscription, last_updated)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, entry.JID, entry.Name, groupsJSON, entry.Subscription, time.Now().Unix())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetRoster(account string) ([]storage.RosterEntry, error) {
	rows, err := d.db.Query(`
		SELECT jid, name, groups_json, subscription
		FROM roster_cache
		WHERE account = ?
		ORDER BY COALESCE(name, jid), jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.RosterEntry
	for rows.Next() {
		var entry storage.RosterEntry
		var groupsJSON sql.NullString
		var name, subscription sql.NullString

		if err := rows.Scan(&entry.JID, &name, &groupsJSON, &subscription); err != nil {
			return nil, err
		}

		if name.Valid {
			entry.Name = name.String
		}
		if subscription.Valid {
			entry.Subscription = subscription.String
		}
		if groupsJSON.Valid && groupsJSON.String != "" {
			_ = json.Unmarshal([]byte(groupsJSON.String), &entry.Groups)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
