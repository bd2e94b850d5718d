package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// sqliteDSN prepares the database file and returns its connection string.
// ":memory:" gives a private database per connection, so callers limit the
// pool to one connection in that case.
func sqliteDSN(cfg domain.RepositoryConfig) (string, bool, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(ON)", true, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", false, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL lets API reads proceed while the pipeline writes graph batches.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)", path)
	return dsn, false, nil
}
