package streams

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// kvStore is the small per-partition key-value store holding the read
// checkpoint and the partition config hash, under "<partition dir>/kv/".
type kvStore struct {
	db *sql.DB
}

func openKV(partitionDir string) (*kvStore, error) {
	var dir = filepath.Join(partitionDir, "kv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating kv dir: %w", err)
	}
	var db, err = sql.Open("sqlite3", filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("opening kv store: %w", err)
	}
	if _, err = db.Exec(
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing kv store: %w", err)
	}
	return &kvStore{db: db}, nil
}

func (s *kvStore) get(key string) (string, bool, error) {
	var value string
	var err = s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("reading kv %q: %w", key, err)
	}
	return value, true, nil
}

func (s *kvStore) put(key, value string) error {
	var _, err = s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing kv %q: %w", key, err)
	}
	return nil
}

func (s *kvStore) getUint(key string) (uint64, bool, error) {
	var raw, ok, err = s.get(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	var value uint64
	if _, err = fmt.Sscanf(raw, "%d", &value); err != nil {
		return 0, false, fmt.Errorf("parsing kv %q: %w", key, err)
	}
	return value, true, nil
}

func (s *kvStore) putUint(key string, value uint64) error {
	return s.put(key, fmt.Sprintf("%d", value))
}

func (s *kvStore) close() error { return s.db.Close() }
