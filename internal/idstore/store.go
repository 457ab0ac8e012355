// Package idstore persists the per-node counter that seeds group global
// ids, so ids handed out after a restart never repeat earlier ones.
package idstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db     *sql.DB
	nodeID uint32
	dbPath string
}

// Open opens (creating if needed) the counter database under basePath.
func Open(basePath string, nodeID uint32) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "ids.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, nodeID: nodeID, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// Next increments and returns the node's counter. The first value is 1.
func (s *Store) Next(ctx context.Context) (uint32, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var v int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO id_counters (node_id, value, updated_at)
		 VALUES (?, 1, ?)
		 ON CONFLICT(node_id) DO UPDATE SET value = value + 1, updated_at = excluded.updated_at
		 RETURNING value`,
		s.nodeID, now).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance id counter: %w", err)
	}
	return uint32(v), nil
}

// Current returns the last value handed out, or 0.
func (s *Store) Current(ctx context.Context) (uint32, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM id_counters WHERE node_id = ?`, s.nodeID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read id counter: %w", err)
	}
	return uint32(v), nil
}
