package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// NewSQLite opens (or creates) a SQLite database file and applies
// migrations.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s, err := newSQL(ctx, db, dialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("store: opened sqlite %s", path)
	return s, nil
}
