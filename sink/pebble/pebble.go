// Package pebble stores documents in an embedded Pebble key/value store under
// "<collection>/<id>" keys. ULID ids keep keys in insertion order.
package pebble

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	"github.com/drblury/eventrelay/sink"
)

// SinkName is the name used to register this store.
const SinkName = "pebble"

func init() {
	sink.Register(SinkName, func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return Open(cfg.GetPebbleDir(), cfg.GetSinkCollection(), nil)
	})
}

// Store writes documents into one key prefix.
type Store struct {
	db     *pebble.DB
	prefix []byte
}

// Open opens or creates the database in dir. opts may be nil.
func Open(dir, collection string, opts *pebble.Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebble: directory is required")
	}
	if collection == "" {
		return nil, errors.New("pebble: collection is required")
	}
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	return &Store{db: db, prefix: []byte(collection + "/")}, nil
}

func (s *Store) key(id string) []byte {
	k := make([]byte, 0, len(s.prefix)+len(id))
	k = append(k, s.prefix...)
	return append(k, id...)
}

func (s *Store) Insert(ctx context.Context, doc sink.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc = sink.WithID(doc)
	data, err := jsoncodec.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("pebble: encode document: %w", err)
	}
	if err := s.db.Set(s.key(doc.ID), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("pebble: write %s: %w", doc.ID, err)
	}
	return doc.ID, nil
}

// InsertMany commits all documents in one batch.
func (s *Store) InsertMany(ctx context.Context, docs []sink.Document) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	ids := make([]string, len(docs))
	for i, doc := range docs {
		doc = sink.WithID(doc)
		data, err := jsoncodec.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("pebble: encode document: %w", err)
		}
		if err := batch.Set(s.key(doc.ID), data, nil); err != nil {
			return nil, fmt.Errorf("pebble: stage %s: %w", doc.ID, err)
		}
		ids[i] = doc.ID
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("pebble: commit batch: %w", err)
	}
	return ids, nil
}

// Get returns the stored document with id.
func (s *Store) Get(id string) (sink.Document, error) {
	var doc sink.Document
	value, closer, err := s.db.Get(s.key(id))
	if err != nil {
		return doc, err
	}
	defer closer.Close()
	if err := jsoncodec.Unmarshal(value, &doc); err != nil {
		return doc, fmt.Errorf("pebble: decode %s: %w", id, err)
	}
	return doc, nil
}

// Count returns the number of documents in the collection.
func (s *Store) Count() (int, error) {
	upper := append([]byte(nil), s.prefix...)
	upper[len(upper)-1]++
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: s.prefix, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return 0, err
	}
	return n, iter.Close()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
