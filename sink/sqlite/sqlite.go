// Package sqlite stores documents in an embedded SQLite database. The table
// is named after the collection and created on open.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	"github.com/drblury/eventrelay/sink"
)

// SinkName is the name used to register this store.
const SinkName = "sqlite"

func init() {
	sink.Register(SinkName, func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return Open(ctx, cfg.GetSQLiteFile(), cfg.GetSinkCollection())
	})
}

// Store writes documents into one table.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens (or creates) the database file. ":memory:" keeps everything in
// process memory on a single connection.
func Open(ctx context.Context, path, collection string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: file is required")
	}
	table, err := quoteIdent(collection)
	if err != nil {
		return nil, err
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	store := &Store{db: db, table: table}
	if _, err := db.ExecContext(ctx, store.createTableSQL()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	return store, nil
}

func quoteIdent(name string) (string, error) {
	if name == "" {
		return "", errors.New("sqlite: collection is required")
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

func (s *Store) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	game_id     INTEGER NOT NULL,
	play_id     TEXT,
	event_type  TEXT NOT NULL,
	document    TEXT NOT NULL,
	inserted_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'))
)`, s.table)
}

func (s *Store) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s (id, game_id, play_id, event_type, document) VALUES (?, ?, ?, ?, ?)`, s.table)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, ex execer, doc sink.Document) (string, error) {
	doc = sink.WithID(doc)
	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("sqlite: encode document: %w", err)
	}
	var playID sql.NullString
	if doc.PlayID != nil {
		playID = sql.NullString{String: *doc.PlayID, Valid: true}
	}
	if _, err := ex.ExecContext(ctx, s.insertSQL(), doc.ID, int64(doc.GameID), playID, doc.EventType, string(data)); err != nil {
		return "", fmt.Errorf("sqlite: insert into %s: %w", s.table, err)
	}
	return doc.ID, nil
}

func (s *Store) Insert(ctx context.Context, doc sink.Document) (string, error) {
	return s.insert(ctx, s.db, doc)
}

// InsertMany writes all documents in one transaction.
func (s *Store) InsertMany(ctx context.Context, docs []sink.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := s.insert(ctx, tx, doc)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	return ids, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
