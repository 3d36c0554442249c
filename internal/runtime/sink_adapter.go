package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/internal/runtime/events"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/transport"
)

// RecordHandler processes one consumed record. A nil error commits the record;
// any error skips it.
type RecordHandler interface {
	Handle(ctx context.Context, rec *transport.Record) error
}

// RecordHandlerFunc adapts a function to RecordHandler.
type RecordHandlerFunc func(ctx context.Context, rec *transport.Record) error

func (f RecordHandlerFunc) Handle(ctx context.Context, rec *transport.Record) error {
	return f(ctx, rec)
}

// SinkAdapter decodes consumed records into GameEvents and writes each one to a
// document store with a single insert. There is no deduplication: a record
// delivered twice is stored twice.
type SinkAdapter struct {
	store        sink.Store
	collection   string
	writeTimeout time.Duration
	logger       loggingpkg.ServiceLogger
	metrics      *Metrics
}

// NewSinkAdapter wraps store. writeTimeout bounds each insert; zero disables the bound.
func NewSinkAdapter(store sink.Store, collection string, writeTimeout time.Duration, log loggingpkg.ServiceLogger, metrics *Metrics) (*SinkAdapter, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &SinkAdapter{
		store:        store,
		collection:   collection,
		writeTimeout: writeTimeout,
		logger:       log,
		metrics:      metrics,
	}, nil
}

// Persist decodes rec and inserts it, returning the new document id. Decode
// failures are *errors.DecodeError and insert failures *errors.SinkWriteError.
func (a *SinkAdapter) Persist(ctx context.Context, rec *transport.Record) (string, error) {
	event, err := events.Decode(rec.Value)
	if err != nil {
		return "", &errspkg.DecodeError{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Err:       err,
		}
	}

	if a.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.writeTimeout)
		defer cancel()
	}

	id, err := a.store.Insert(ctx, sink.Document{GameEvent: event})
	if err != nil {
		return "", &errspkg.SinkWriteError{Collection: a.collection, Err: err}
	}

	a.metrics.RecordPersisted(a.collection)
	a.logger.Info("Persisted event", loggingpkg.LogFields{
		"id":         id,
		"collection": a.collection,
		"key":        string(rec.Key),
		"game_id":    int64(event.GameID),
		"event_type": event.EventType,
	})
	return id, nil
}

// Handle implements RecordHandler.
func (a *SinkAdapter) Handle(ctx context.Context, rec *transport.Record) error {
	_, err := a.Persist(ctx, rec)
	return err
}
