package storage

import (
	"database/sql"
	"errors"
	"strings"

	"wagate/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxRecordBytes <= 0 {
		cfg.MaxRecordBytes = DefaultMaxRecordBytes
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(cfg.MaxRecordBytes), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// SQLDB exposes the database handle of SQL-backed stores so other durable
// components (the job queue) can share the same file.
func SQLDB(s Store) (*sql.DB, bool) {
	if st, ok := s.(*sqliteStore); ok && st.db != nil {
		return st.db, true
	}
	return nil, false
}
