// Package transport defines the broker-neutral record types and the
// producer/consumer contracts used by the relay. Each backend (kafka, nats,
// rabbitmq, ...) lives in its own sub-package and registers itself with the
// transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// OutgoingRecord is a record handed to a Producer. A nil Key or Value is a
// tombstone and must reach the broker as nil, not as an empty slice.
type OutgoingRecord struct {
	Topic string
	Key   []byte
	Value []byte
}

// Record is a record returned by Consumer.Poll. When Err is set the record is
// a broker-reported error and carries no usable payload.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Err       error

	// token is backend-private state used to commit or skip the record.
	token any
}

// WithToken attaches backend state to a record. Only transports call it.
func (r *Record) WithToken(token any) *Record {
	r.token = token
	return r
}

// Token returns the backend state attached with WithToken.
func (r *Record) Token() any {
	return r.token
}

// Ack is the broker acknowledgement for one produced record.
type Ack struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
}

// Producer sends records to the broker. Implementations are safe for
// concurrent use. Send returns errors.ErrQueueFull from the runtime errors
// package when the local send buffer is saturated instead of blocking.
type Producer interface {
	Send(ctx context.Context, rec OutgoingRecord) (Ack, error)
	// Flush blocks until every in-flight record is acknowledged or ctx ends.
	Flush(ctx context.Context) error
	Close() error
}

// Consumer reads records for a consumer group. A Consumer is driven by a single
// goroutine; Poll, Commit and Skip are not safe for concurrent use.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string) error
	// Poll waits up to timeout for the next record. An empty poll returns
	// (nil, nil).
	Poll(ctx context.Context, timeout time.Duration) (*Record, error)
	// Commit marks the record as processed for the group.
	Commit(ctx context.Context, rec *Record) error
	// Skip releases the record without committing it.
	Skip(ctx context.Context, rec *Record) error
	Close() error
}

// Transport combines a producer and consumer pair produced by a builder.
type Transport struct {
	Producer Producer
	Consumer Consumer
}

// Close closes both halves of the transport.
func (t Transport) Close() error {
	var errs []error
	if t.Consumer != nil {
		errs = append(errs, t.Consumer.Close())
	}
	if t.Producer != nil {
		errs = append(errs, t.Producer.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Build function that is registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetBrokerSystem returns the transport type name.
	GetBrokerSystem() string

	GetTopic() string
	GetConsumerGroup() string
	// GetInitialOffset returns "earliest" or "latest".
	GetInitialOffset() string

	GetConnectTimeout() time.Duration
	GetPublishTimeout() time.Duration
	// GetQueueSize bounds the number of in-flight produced records.
	GetQueueSize() int

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// NATS
	GetNATSURL() string

	// RabbitMQ
	GetRabbitMQURL() string

	// HTTP
	GetHTTPBrokerAddr() string
	GetHTTPBrokerURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
