// Package postgres stores documents as JSONB rows in PostgreSQL. The table is
// named after the collection and created on open.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	"github.com/drblury/eventrelay/sink"
)

// SinkName is the name used to register this store.
const SinkName = "postgres"

// PoolFactory allows overriding the pool creation for testing.
var PoolFactory = func(ctx context.Context, url string) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, url)
}

func init() {
	sink.Register(SinkName, func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return Open(ctx, cfg.GetPostgresURL(), cfg.GetSinkCollection())
	})
}

// Store writes documents into one table.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects, pings and ensures the collection table exists.
func Open(ctx context.Context, url, collection string) (*Store, error) {
	if url == "" {
		return nil, errors.New("postgres: URL is required")
	}
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}

	pool, err := PoolFactory(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := &Store{pool: pool, table: table}
	if _, err := pool.Exec(ctx, store.createTableSQL()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create table %s: %w", table, err)
	}
	return store, nil
}

func tableName(collection string) (string, error) {
	if collection == "" {
		return "", errors.New("postgres: collection is required")
	}
	return pgx.Identifier{collection}.Sanitize(), nil
}

func (s *Store) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	game_id     BIGINT NOT NULL,
	play_id     TEXT,
	event_type  TEXT NOT NULL,
	document    JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
}

func (s *Store) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, game_id, play_id, event_type, document) VALUES ($1, $2, $3, $4, $5)`, s.table)
}

func insertArgs(doc sink.Document) ([]any, error) {
	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode document: %w", err)
	}
	return []any{doc.ID, int64(doc.GameID), doc.PlayID, doc.EventType, string(data)}, nil
}

func (s *Store) Insert(ctx context.Context, doc sink.Document) (string, error) {
	doc = sink.WithID(doc)
	args, err := insertArgs(doc)
	if err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, s.insertSQL(), args...); err != nil {
		return "", fmt.Errorf("postgres: insert into %s: %w", s.table, err)
	}
	return doc.ID, nil
}

// InsertMany writes all documents in one transaction.
func (s *Store) InsertMany(ctx context.Context, docs []sink.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		doc = sink.WithID(doc)
		args, err := insertArgs(doc)
		if err != nil {
			return nil, err
		}
		ids[i] = doc.ID
		batch.Queue(s.insertSQL(), args...)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range docs {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert batch into %s: %w", s.table, err)
	}
	return ids, nil
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
