package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// GetItem returns the value stored under key. ok is false when the key
// does not exist.
func (db *DB) GetItem(key string) (value string, ok bool, err error) {
	err = db.conn.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get item %q: %w", key, err)
	}
	return value, true, nil
}

// SetItem stores value under key, replacing any previous value.
func (db *DB) SetItem(key, value string) error {
	if db.quotaBytes > 0 {
		var used int64
		err := db.conn.QueryRow(
			"SELECT COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0) FROM kv WHERE key != ?", key,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("failed to measure storage usage: %w", err)
		}
		if used+int64(len(value)) > db.quotaBytes {
			return fmt.Errorf("set item %q (%s, %s of %s in use): %w", key,
				humanize.Bytes(uint64(len(value))), humanize.Bytes(uint64(used)), humanize.Bytes(uint64(db.quotaBytes)),
				ErrQuotaExceeded)
		}
	}

	_, err := db.conn.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set item %q: %w", key, err)
	}
	return nil
}

// RemoveItem deletes key. Missing keys are not an error.
func (db *DB) RemoveItem(key string) error {
	if _, err := db.conn.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove item %q: %w", key, err)
	}
	return nil
}
