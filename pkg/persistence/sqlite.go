// Package persistence implements the durable collaborators: attachment
// stores, the message history, and the key-value stores backing the offline
// queue. SQLite is the default; Redis and in-memory variants exist for
// shared deployments and tests.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteDSNForFile builds a DSN for path with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// EnsureDir creates the parent directory of a database file.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "create %s", dir)
}

func openSQLite(name, dsn string, stmts []string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.Errorf("sqlite %s: empty dsn", name)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite %s: open", name)
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %s: migrate", name)
		}
	}
	return db, nil
}
