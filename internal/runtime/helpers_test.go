package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	configpkg "github.com/drblury/eventrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/sink/memory"
	"github.com/drblury/eventrelay/transport"
	"github.com/drblury/eventrelay/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.Discard()
}

func testConfig(brokerSystem string) *configpkg.Config {
	return &configpkg.Config{
		BrokerSystem:       brokerSystem,
		KafkaTopic:         "game-event",
		KafkaConsumerGroup: "game-event-consumers",
		KafkaInitialOffset: configpkg.OffsetEarliest,
		ConnectTimeout:     time.Second,
		PublishTimeout:     time.Second,
		QueueSize:          8,
		PollTimeout:        50 * time.Millisecond,
		ShutdownGrace:      time.Second,
		SinkSystem:         "memory",
		SinkCollection:     "game_events",
		SinkWriteTimeout:   time.Second,
		HTTPAddr:           "127.0.0.1:0",
	}
}

type fakeProducer struct {
	mu       sync.Mutex
	sendErrs []error
	sent     []transport.OutgoingRecord
	flushes  int
	closed   bool
}

func (p *fakeProducer) Send(ctx context.Context, rec transport.OutgoingRecord) (transport.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sendErrs) > 0 {
		err := p.sendErrs[0]
		p.sendErrs = p.sendErrs[1:]
		if err != nil {
			return transport.Ack{}, err
		}
	}
	p.sent = append(p.sent, rec)
	return transport.Ack{
		Topic:  rec.Topic,
		Offset: int64(len(p.sent) - 1),
		Key:    rec.Key,
	}, nil
}

func (p *fakeProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) Sent() []transport.OutgoingRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.OutgoingRecord(nil), p.sent...)
}

type pollResult struct {
	rec *transport.Record
	err error
}

type fakeConsumer struct {
	mu           sync.Mutex
	subscribeErr error
	polls        chan pollResult
	// afterCancel is handed out by a poll that observes cancellation, the way
	// a broker can deliver a fetched message just as the loop is stopped.
	afterCancel *transport.Record
	committed    []*transport.Record
	skipped      []*transport.Record
	closed       bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{polls: make(chan pollResult, 16)}
}

func (c *fakeConsumer) Subscribe(ctx context.Context, topics []string) error {
	return c.subscribeErr
}

func (c *fakeConsumer) Poll(ctx context.Context, timeout time.Duration) (*transport.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-c.polls:
		return r.rec, r.err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		if c.afterCancel != nil {
			return c.afterCancel, nil
		}
		return nil, ctx.Err()
	}
}

func (c *fakeConsumer) Commit(ctx context.Context, rec *transport.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, rec)
	return nil
}

func (c *fakeConsumer) Skip(ctx context.Context, rec *transport.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipped = append(c.skipped, rec)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) counts() (committed, skipped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.committed), len(c.skipped)
}

// fakeRegistry registers a "fake" transport returning p and c. Either may be nil.
func fakeRegistry(p *fakeProducer, c *fakeConsumer) *transport.Registry {
	var conn transport.Transport
	if p != nil {
		conn.Producer = p
	}
	if c != nil {
		conn.Consumer = c
	}
	return registryFor(conn)
}

func registryFor(conn transport.Transport) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register("fake", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return conn, nil
	})
	return reg
}

func channelRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(channel.TransportName, channel.Build, channel.Capabilities())
	return reg
}

// memoryRegistry opens store for every "memory" lookup so tests can inspect it.
func memoryRegistry(store *memory.Store) *sink.Registry {
	reg := sink.NewRegistry()
	reg.Register("memory", func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return store, nil
	})
	return reg
}

func startedClient(conf *configpkg.Config, reg *transport.Registry) (*BrokerClient, error) {
	client, err := NewBrokerClient(conf, newTestLogger(), reg)
	if err != nil {
		return nil, err
	}
	return client, client.Start(context.Background())
}
