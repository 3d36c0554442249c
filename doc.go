// Package eventrelay relays sporting-event notifications from an HTTP edge
// through a message broker into a document store.
//
// The API side validates a GameEvent, keys it by play ("event-key-<play_id>")
// and publishes it with a bounded wait for the broker acknowledgement. The
// consumer side polls the topic one record at a time, decodes each record,
// inserts it into the configured store and commits its offset. Records that
// cannot be decoded or stored are skipped and reported, never retried, so one
// bad record cannot stall a partition.
//
// # Transports
//
// The broker is chosen by Config.BrokerSystem:
//   - kafka: IBM/sarama producer and consumer group, traced with otelsarama
//   - channel: in-process Watermill gochannel for tests and single-process runs
//   - nats: NATS Core through watermill-nats
//   - rabbitmq: AMQP through watermill-amqp
//   - http: webhook delivery through watermill-http
//
// # Stores
//
// Config.SinkSystem selects memory, postgres (pgx), sqlite (modernc) or pebble.
//
// # Lifecycle
//
// Coordinator starts the store, the broker client, the poll loop and the HTTP
// listener in that order and stops them in reverse. DispatchHooks observe every
// consumed record; Metrics exposes Prometheus collectors.
package eventrelay
