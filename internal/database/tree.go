package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPath is returned for empty paths or keys containing '/'.
var ErrInvalidPath = errors.New("invalid path")

// The remote tree is stored as flattened leaves: every non-object value
// lives in its own row keyed by its full '/'-separated path. Objects exist
// only implicitly through their descendants, and arrays are leaves.
// Prefix matches measure the prefix with SQLite's length() so substr and
// length both count characters.

// NormalizePath trims surrounding slashes and collapses empty segments.
// The root is returned as "".
func NormalizePath(path string) string {
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// SetPath replaces the subtree at path with value. A nil value or an empty
// object removes the subtree.
func (db *DB) SetPath(path string, value any) error {
	path = NormalizePath(path)
	if path == "" {
		return fmt.Errorf("set: %w: root is not writable", ErrInvalidPath)
	}

	return db.inTx(func(tx *sql.Tx) error {
		return setPathTx(tx, path, value)
	})
}

// UpdatePath writes each field as a child of path, leaving siblings that
// are not named in fields untouched.
func (db *DB) UpdatePath(path string, fields map[string]any) error {
	path = NormalizePath(path)
	if path == "" {
		return fmt.Errorf("update: %w: root is not writable", ErrInvalidPath)
	}

	return db.inTx(func(tx *sql.Tx) error {
		for key, value := range fields {
			child := NormalizePath(key)
			if child == "" {
				return fmt.Errorf("update %s: %w: empty key", path, ErrInvalidPath)
			}
			if err := setPathTx(tx, path+"/"+child, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePath removes the subtree at path. Missing paths are not an error.
func (db *DB) DeletePath(path string) error {
	path = NormalizePath(path)
	if path == "" {
		return fmt.Errorf("delete: %w: root is not writable", ErrInvalidPath)
	}

	return db.inTx(func(tx *sql.Tx) error {
		return deleteSubtree(tx, path)
	})
}

// GetPath rebuilds the value stored at path. found is false when nothing
// lives at or below path.
func (db *DB) GetPath(path string) (value any, found bool, err error) {
	path = NormalizePath(path)

	var rows *sql.Rows
	if path == "" {
		rows, err = db.conn.Query("SELECT path, value FROM nodes ORDER BY path")
	} else {
		rows, err = db.conn.Query(
			"SELECT path, value FROM nodes WHERE path = ? OR substr(path, 1, length(?)) = ? ORDER BY path",
			path, path+"/", path+"/",
		)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", path, err)
	}
	defer rows.Close()

	root := map[string]any{}
	for rows.Next() {
		var p, raw string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, false, fmt.Errorf("failed to scan node: %w", err)
		}

		var leaf any
		if err := json.Unmarshal([]byte(raw), &leaf); err != nil {
			return nil, false, fmt.Errorf("corrupt node %q: %w", p, err)
		}

		if p == path {
			return leaf, true, nil
		}

		rel := p
		if path != "" {
			rel = strings.TrimPrefix(p, path+"/")
		}
		insertLeaf(root, strings.Split(rel, "/"), leaf)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating nodes: %w", err)
	}

	if !found {
		return nil, false, nil
	}
	return root, true, nil
}

// CountLeaves returns the number of stored leaves.
func (db *DB) CountLeaves() (int, error) {
	var count int
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

func (db *DB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func setPathTx(tx *sql.Tx, path string, value any) error {
	leaves := map[string]string{}
	if err := flatten(path, value, leaves); err != nil {
		return err
	}

	if err := deleteSubtree(tx, path); err != nil {
		return err
	}

	// A leaf stored at an ancestor would shadow the new subtree.
	segments := strings.Split(path, "/")
	for i := 1; i < len(segments); i++ {
		ancestor := strings.Join(segments[:i], "/")
		if _, err := tx.Exec("DELETE FROM nodes WHERE path = ?", ancestor); err != nil {
			return fmt.Errorf("failed to clear ancestor %q: %w", ancestor, err)
		}
	}

	keys := make([]string, 0, len(leaves))
	for k := range leaves {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now()
	for _, k := range keys {
		if _, err := tx.Exec(
			"INSERT INTO nodes (path, value, updated_at) VALUES (?, ?, ?)",
			k, leaves[k], now,
		); err != nil {
			return fmt.Errorf("failed to write %q: %w", k, err)
		}
	}
	return nil
}

func deleteSubtree(tx *sql.Tx, path string) error {
	_, err := tx.Exec(
		"DELETE FROM nodes WHERE path = ? OR substr(path, 1, length(?)) = ?",
		path, path+"/", path+"/",
	)
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", path, err)
	}
	return nil
}

func flatten(path string, value any, out map[string]string) error {
	if obj, ok := value.(map[string]any); ok {
		for key, child := range obj {
			if key == "" || strings.Contains(key, "/") {
				return fmt.Errorf("%w: key %q under %s", ErrInvalidPath, key, path)
			}
			if err := flatten(path+"/"+key, child, out); err != nil {
				return err
			}
		}
		return nil
	}
	if value == nil {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", path, err)
	}
	out[path] = string(raw)
	return nil
}

func insertLeaf(node map[string]any, segments []string, leaf any) {
	for i, seg := range segments {
		if i == len(segments)-1 {
			node[seg] = leaf
			return
		}
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
}
