package db

import (
	"database/sql"
	"encoding/json"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store provides all trace storage operations. It is the sole arbiter of
// write ordering: every insert is append-only and keyed by a unique id, and
// the only shared mutable rows (per-session summary counters) are updated
// with atomic SQL increments, never read-modify-write from application code.
type Store struct {
	db   *sql.DB
	mode StorageMode
}

// StorageMode reports how time partitioning is implemented.
type StorageMode string

const (
	// ModeTimescale means the timescaledb extension manages hypertable
	// chunks and retention policies.
	ModeTimescale StorageMode = "timescale"
	// ModeNative means declarative monthly range partitions maintained by
	// the schema manager and dropped by the retention sweeper.
	ModeNative StorageMode = "native"
)

// NewStore creates a new Store instance
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, mode: ModeNative}
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// Mode returns the active partitioning mode.
func (s *Store) Mode() StorageMode {
	return s.mode
}

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalInto(data []byte, v interface{}) {
	if len(data) > 0 {
		json.Unmarshal(data, v)
	}
}
