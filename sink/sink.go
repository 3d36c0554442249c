// Package sink defines the document store contract the consumer persists
// events into. Each store (memory, postgres, sqlite, pebble) lives in its own
// sub-package and registers itself with the sink registry.
package sink

import (
	"context"

	"github.com/drblury/eventrelay/internal/runtime/events"
	idspkg "github.com/drblury/eventrelay/internal/runtime/ids"
)

// Document is a persisted event. It encodes as the event's fields plus "_id".
type Document struct {
	ID string `json:"_id"`
	events.GameEvent
}

// NewDocument wraps an event in a document with a fresh id.
func NewDocument(event events.GameEvent) Document {
	return Document{ID: idspkg.New(), GameEvent: event}
}

// WithID returns doc with an id assigned when it has none.
func WithID(doc Document) Document {
	if doc.ID == "" {
		doc.ID = idspkg.New()
	}
	return doc
}

// Store persists documents into one collection.
type Store interface {
	// Insert stores doc and returns its id. Documents without an id get one.
	Insert(ctx context.Context, doc Document) (string, error)
	// InsertMany stores docs atomically where the backend allows it.
	InsertMany(ctx context.Context, docs []Document) ([]string, error)
	Close() error
}

// Builder is the function signature for opening a store from config.
type Builder func(ctx context.Context, cfg Config) (Store, error)

// Config provides the configuration values needed by stores.
type Config interface {
	// GetSinkSystem returns the store type name.
	GetSinkSystem() string
	// GetSinkCollection names the table, bucket or key prefix documents go to.
	GetSinkCollection() string

	GetPostgresURL() string
	GetSQLiteFile() string
	GetPebbleDir() string
}
