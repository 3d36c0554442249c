// Package errors defines the failure taxonomy of the relay pipeline.
//
// Startup failures (ConnectionError) abort the owning process. Per-record
// failures (SerializationError, DecodeError, SinkWriteError, BrokerPollError)
// are isolated so one bad record never halts the stream. ErrQueueFull is
// retried exactly once by the publisher before surfacing as a PublishError.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrQueueFull      = sterrors.New("eventrelay: producer send buffer is full")
	ErrNotStarted     = sterrors.New("eventrelay: broker client is not started")
	ErrClosed         = sterrors.New("eventrelay: component is closed")
	ErrAckTimeout     = sterrors.New("eventrelay: timed out waiting for broker acknowledgement")
	ErrTopicRequired  = sterrors.New("eventrelay: topic is required")
	ErrConfigRequired = sterrors.New("eventrelay: configuration is required")
	ErrLoggerRequired = sterrors.New("eventrelay: logger is required")
	ErrStoreRequired  = sterrors.New("eventrelay: document store is required")
	ErrHandlerMissing = sterrors.New("eventrelay: record handler is required")
)

// ConnectionError reports that a broker or sink could not be reached during
// startup. It is never retried internally.
type ConnectionError struct {
	Component string
	Target    string
	Err       error
}

func (e *ConnectionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("connect %s: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("connect %s (%s): %v", e.Component, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SerializationError reports a key or value that could not be turned into bytes.
type SerializationError struct {
	Field string
	Type  string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serialize %s: unsupported type %s", e.Field, e.Type)
	}
	return fmt.Sprintf("serialize %s (%s): %v", e.Field, e.Type, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// DecodeError reports a consumed record whose value is not a well-formed event.
type DecodeError struct {
	Topic     string
	Partition int32
	Offset    int64
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record %s/%d@%d: %v", e.Topic, e.Partition, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// BrokerPollError is a broker-reported failure while polling. It is transient.
type BrokerPollError struct {
	Err error
}

func (e *BrokerPollError) Error() string { return fmt.Sprintf("poll broker: %v", e.Err) }

func (e *BrokerPollError) Unwrap() error { return e.Err }

// SinkWriteError reports a failed document insert. The record's commit is withheld.
type SinkWriteError struct {
	Collection string
	Err        error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("write document to %s: %v", e.Collection, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// PublishError wraps a publish failure with the number of attempts made.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsPerRecord reports whether err is isolated to a single record and must not
// stop the poll loop.
func IsPerRecord(err error) bool {
	var (
		decodeErr *DecodeError
		sinkErr   *SinkWriteError
		serErr    *SerializationError
	)
	return sterrors.As(err, &decodeErr) || sterrors.As(err, &sinkErr) || sterrors.As(err, &serErr)
}

// Kind returns a short label for err, used for metric labels and log fields.
func Kind(err error) string {
	var (
		connErr   *ConnectionError
		serErr    *SerializationError
		decodeErr *DecodeError
		pollErr   *BrokerPollError
		sinkErr   *SinkWriteError
	)
	switch {
	case err == nil:
		return ""
	case sterrors.Is(err, ErrQueueFull):
		return "queue_full"
	case sterrors.Is(err, ErrNotStarted):
		return "not_started"
	case sterrors.Is(err, ErrAckTimeout):
		return "ack_timeout"
	case sterrors.Is(err, ErrClosed):
		return "closed"
	case sterrors.As(err, &connErr):
		return "connection"
	case sterrors.As(err, &serErr):
		return "serialization"
	case sterrors.As(err, &decodeErr):
		return "decode"
	case sterrors.As(err, &pollErr):
		return "poll"
	case sterrors.As(err, &sinkErr):
		return "sink_write"
	default:
		return "unknown"
	}
}
