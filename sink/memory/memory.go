// Package memory provides an in-process document store for tests and local
// runs. Documents are lost when the process exits.
package memory

import (
	"context"
	"sync"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/sink"
)

// SinkName is the name used to register this store.
const SinkName = "memory"

func init() {
	sink.Register(SinkName, func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return New(), nil
	})
}

// Store keeps documents in insertion order.
type Store struct {
	mu     sync.RWMutex
	docs   []sink.Document
	closed bool
}

func New() *Store {
	return &Store{}
}

func (s *Store) Insert(ctx context.Context, doc sink.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc = sink.WithID(doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errspkg.ErrClosed
	}
	s.docs = append(s.docs, doc)
	return doc.ID, nil
}

func (s *Store) InsertMany(ctx context.Context, docs []sink.Document) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	prepared := make([]sink.Document, len(docs))
	for i, doc := range docs {
		prepared[i] = sink.WithID(doc)
		ids[i] = prepared[i].ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrClosed
	}
	s.docs = append(s.docs, prepared...)
	return ids, nil
}

// Documents returns a copy of everything stored so far.
func (s *Store) Documents() []sink.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]sink.Document(nil), s.docs...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
