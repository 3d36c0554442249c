// Package runtime holds the relay's moving parts.
//
// BrokerClient owns one transport connection (producer and consumer halves).
// Publisher serialises a key and a value and waits for the broker ack with a
// single retry when the producer queue is full. Subscriber polls one record at
// a time, hands it to a RecordHandler and commits or skips it. SinkAdapter is
// the default RecordHandler and writes decoded GameEvents into a sink.Store.
// Coordinator starts all of them in dependency order, serves HTTP next to the
// poll loop and tears everything down in reverse on a signal or cancellation.
//
// DispatchHooks, Metrics and the OpenTelemetry spans in tracing.go observe the
// publish and dispatch paths without changing them.
package runtime
