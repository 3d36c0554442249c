package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

// DispatchContext describes one record handed to the RecordHandler.
type DispatchContext struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	// Context is the dispatch context, detached from the poll loop's cancellation.
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

func newDispatchContext(ctx context.Context, rec *transport.Record) DispatchContext {
	return DispatchContext{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       string(rec.Key),
		Context:   ctx,
		StartedAt: time.Now(),
	}
}

// DispatchHooks defines callbacks around record dispatch.
// All hooks are optional - nil hooks are simply not called.
type DispatchHooks struct {
	// OnDispatchStart is called before the handler is invoked.
	OnDispatchStart func(ctx DispatchContext)

	// OnDispatchDone is called after the handler succeeded and the record was committed.
	OnDispatchDone func(ctx DispatchContext)

	// OnDispatchError is called when the handler failed and the record was skipped.
	OnDispatchError func(ctx DispatchContext, err error)
}

// Merge combines two DispatchHooks. The hooks from other run after those of h.
func (h DispatchHooks) Merge(other DispatchHooks) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: chainHooks(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chainHooks(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainErrorHooks(h.OnDispatchError, other.OnDispatchError),
	}
}

func chainHooks(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DispatchContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DispatchHooks) start(ctx DispatchContext) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(ctx)
	}
}

func (h DispatchHooks) done(ctx DispatchContext) {
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(ctx)
	}
}

func (h DispatchHooks) failed(ctx DispatchContext, err error) {
	if h.OnDispatchError != nil {
		h.OnDispatchError(ctx, err)
	}
}

// LoggingHooks returns hooks that log the dispatch lifecycle at debug level
// and failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			logger.Debug("Dispatch started", loggingpkg.LogFields{
				"topic":     ctx.Topic,
				"partition": ctx.Partition,
				"offset":    ctx.Offset,
				"key":       ctx.Key,
			})
		},
		OnDispatchDone: func(ctx DispatchContext) {
			logger.Debug("Dispatch completed", loggingpkg.LogFields{
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			logger.Error("Dispatch failed", err, loggingpkg.LogFields{
				"topic":       ctx.Topic,
				"partition":   ctx.Partition,
				"offset":      ctx.Offset,
				"key":         ctx.Key,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that call the given counters with the record topic.
func MetricsHooks(onStart, onDone, onError func(topic string)) DispatchHooks {
	return DispatchHooks{
		OnDispatchStart: func(ctx DispatchContext) {
			if onStart != nil {
				onStart(ctx.Topic)
			}
		},
		OnDispatchDone: func(ctx DispatchContext) {
			if onDone != nil {
				onDone(ctx.Topic)
			}
		},
		OnDispatchError: func(ctx DispatchContext, err error) {
			if onError != nil {
				onError(ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns hooks that call alertFunc for every failed dispatch.
func AlertingHooks(alertFunc func(ctx DispatchContext, err error)) DispatchHooks {
	return DispatchHooks{
		OnDispatchError: alertFunc,
	}
}
