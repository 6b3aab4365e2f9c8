// Package postgres provides a PostgreSQL implementation of the snapshot
// store.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	stdSync "sync"
	"time"

	// PostgreSQL driver
	_ "github.com/lib/pq"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
	"github.com/graphkit/go-graph-sync/store"
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("snapshot store is closed")

// Config holds configuration options for the Postgres snapshot store.
type Config struct {
	// DataSourceName is the Postgres connection string.
	DataSourceName string

	// TableName defaults to "entity_snapshot".
	TableName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "entity_snapshot"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// SnapshotStore persists committed entity state in Postgres.
type SnapshotStore struct {
	db     *sql.DB
	table  string
	mu     stdSync.Mutex
	closed bool
}

// New opens the snapshot database and ensures the schema exists.
func New(cfg Config) (*SnapshotStore, error) {
	cfg.setDefaults()

	db, err := sql.Open("postgres", cfg.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &SnapshotStore{db: db, table: cfg.TableName}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) createSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			entity_id TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			version   BIGINT NOT NULL,
			data      JSONB NOT NULL,
			from_id   TEXT NOT NULL DEFAULT '',
			to_id     TEXT NOT NULL DEFAULT ''
		)`, s.table)
	if _, err := s.db.Exec(schema); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, fmt.Errorf("creating schema: %w", err))
	}
	return nil
}

// Save atomically replaces the persisted snapshot.
func (s *SnapshotStore) Save(ctx context.Context, records map[graph.EntityID]store.CommittedRecord) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, ErrStoreClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s (entity_id, kind, version, data, from_id, to_id) VALUES ($1, $2, $3, $4, $5, $6)",
		s.table)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
	}
	defer stmt.Close()

	for id, rec := range records {
		data, err := json.Marshal(rec.Data)
		if err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSnapshot,
				fmt.Errorf("marshaling entity %s: %w", id, err))
		}
		if _, err := stmt.ExecContext(ctx,
			string(id), string(rec.Kind), int64(rec.Version), data,
			string(rec.From), string(rec.To)); err != nil {
			return syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpSnapshot, err)
	}
	return nil
}

// Load reads the persisted snapshot.
func (s *SnapshotStore) Load(ctx context.Context) (map[graph.EntityID]store.CommittedRecord, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, syncErrors.NewStorageError(syncErrors.OpRestore, ErrStoreClosed)
	}

	query := fmt.Sprintf("SELECT entity_id, kind, version, data, from_id, to_id FROM %s", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpRestore, err)
	}
	defer rows.Close()

	out := make(map[graph.EntityID]store.CommittedRecord)
	for rows.Next() {
		var (
			id, kind, from, to string
			data               []byte
			version            int64
		)
		if err := rows.Scan(&id, &kind, &version, &data, &from, &to); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpRestore, err)
		}
		var fields graph.Fields
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpRestore,
				fmt.Errorf("unmarshaling entity %s: %w", id, err))
		}
		out[graph.EntityID(id)] = store.CommittedRecord{
			Kind:    graph.EntityKind(kind),
			Version: uint64(version),
			Data:    fields,
			From:    graph.EntityID(from),
			To:      graph.EntityID(to),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpRestore, err)
	}
	return out, nil
}

// Close releases the database connection.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpClose, err)
	}
	return nil
}
