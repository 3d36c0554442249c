package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
)

// Metadata keys used to carry record fields through Watermill messages.
const (
	MetadataKey         = "eventrelay_key"
	MetadataTombstone   = "eventrelay_tombstone"
	MetadataPublishedAt = "eventrelay_published_at"
)

// WatermillProducer adapts a Watermill publisher to Producer. Watermill has no
// partitions, so acks report partition 0 and a per-producer sequence number as
// the offset.
type WatermillProducer struct {
	pub    message.Publisher
	sem    *semaphore.Weighted
	size   int64
	seq    atomic.Int64
	closed atomic.Bool
}

// NewWatermillProducer wraps pub with a send buffer of queueSize in-flight
// records. queueSize below 1 is treated as 1.
func NewWatermillProducer(pub message.Publisher, queueSize int) *WatermillProducer {
	if queueSize < 1 {
		queueSize = 1
	}
	return &WatermillProducer{
		pub:  pub,
		sem:  semaphore.NewWeighted(int64(queueSize)),
		size: int64(queueSize),
	}
}

func (p *WatermillProducer) Send(ctx context.Context, rec OutgoingRecord) (Ack, error) {
	if p.closed.Load() {
		return Ack{}, errspkg.ErrClosed
	}
	if rec.Topic == "" {
		return Ack{}, errspkg.ErrTopicRequired
	}
	if !p.sem.TryAcquire(1) {
		return Ack{}, errspkg.ErrQueueFull
	}

	msg := message.NewMessage(watermill.NewUUID(), rec.Value)
	if rec.Key != nil {
		msg.Metadata.Set(MetadataKey, string(rec.Key))
	}
	if rec.Value == nil {
		msg.Metadata.Set(MetadataTombstone, "true")
	}
	msg.Metadata.Set(MetadataPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- p.pub.Publish(rec.Topic, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Ack{}, fmt.Errorf("publish to %s: %w", rec.Topic, err)
		}
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %w", errspkg.ErrAckTimeout, ctx.Err())
	}

	return Ack{
		Topic:     rec.Topic,
		Partition: 0,
		Offset:    p.seq.Add(1) - 1,
		Key:       rec.Key,
	}, nil
}

// Flush waits for every in-flight publish to return.
func (p *WatermillProducer) Flush(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	p.sem.Release(p.size)
	return nil
}

func (p *WatermillProducer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pub.Close()
}

// WatermillConsumer adapts a Watermill subscriber to Consumer.
//
// Skip acknowledges the message: a Watermill Nack redelivers the same message
// immediately and forever, so a skipped record is released instead of replayed.
type WatermillConsumer struct {
	sub    message.Subscriber
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	messages chan delivery
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	seq      int64
	closed   bool

	// afterSubscribe runs once all topics are subscribed. The HTTP backend
	// starts its server here.
	afterSubscribe func() error
}

// NewWatermillConsumer wraps sub. logger may be nil.
func NewWatermillConsumer(sub message.Subscriber, logger watermill.LoggerAdapter) *WatermillConsumer {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &WatermillConsumer{sub: sub, logger: logger}
}

// OnSubscribed registers a hook run after Subscribe succeeds.
func (c *WatermillConsumer) OnSubscribed(fn func() error) {
	c.afterSubscribe = fn
}

// Subscribe starts delivery for topics. The subscription lives until Close;
// ctx only bounds the subscribe call itself.
func (c *WatermillConsumer) Subscribe(ctx context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errspkg.ErrClosed
	}
	if c.messages != nil {
		return fmt.Errorf("consumer already subscribed")
	}
	if len(topics) == 0 {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	out := make(chan delivery)
	for _, topic := range topics {
		in, err := c.sub.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			c.wg.Wait()
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		c.wg.Add(1)
		go c.forward(subCtx, topic, in, out)
	}
	go func() {
		c.wg.Wait()
		close(out)
	}()

	c.messages = out
	c.cancel = cancel

	if c.afterSubscribe != nil {
		if err := c.afterSubscribe(); err != nil {
			return fmt.Errorf("start subscription: %w", err)
		}
	}
	return nil
}

type delivery struct {
	topic string
	msg   *message.Message
}

func (c *WatermillConsumer) forward(ctx context.Context, topic string, in <-chan *message.Message, out chan<- delivery) {
	defer c.wg.Done()
	for msg := range in {
		select {
		case out <- delivery{topic: topic, msg: msg}:
		case <-ctx.Done():
			msg.Nack()
			return
		}
	}
}

func (c *WatermillConsumer) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	c.mu.Lock()
	messages := c.messages
	c.mu.Unlock()
	if messages == nil {
		return nil, fmt.Errorf("poll before subscribe")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-messages:
		if !ok {
			return nil, errspkg.ErrClosed
		}
		return c.toRecord(d.topic, d.msg), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WatermillConsumer) toRecord(topic string, msg *message.Message) *Record {
	c.mu.Lock()
	offset := c.seq
	c.seq++
	c.mu.Unlock()

	rec := &Record{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Value:     msg.Payload,
		Timestamp: time.Now().UTC(),
	}
	if key, ok := msg.Metadata[MetadataKey]; ok {
		rec.Key = []byte(key)
	}
	if msg.Metadata.Get(MetadataTombstone) == "true" {
		rec.Value = nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.Metadata.Get(MetadataPublishedAt)); err == nil {
		rec.Timestamp = ts
	}
	return rec.WithToken(msg)
}

func (c *WatermillConsumer) Commit(ctx context.Context, rec *Record) error {
	msg, err := messageFromRecord(rec)
	if err != nil {
		return err
	}
	msg.Ack()
	return nil
}

func (c *WatermillConsumer) Skip(ctx context.Context, rec *Record) error {
	msg, err := messageFromRecord(rec)
	if err != nil {
		return err
	}
	c.logger.Debug("Releasing skipped record", watermill.LogFields{
		"topic":  rec.Topic,
		"offset": rec.Offset,
	})
	msg.Ack()
	return nil
}

func (c *WatermillConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.sub.Close()
}

func messageFromRecord(rec *Record) (*message.Message, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	msg, ok := rec.Token().(*message.Message)
	if !ok {
		return nil, fmt.Errorf("record was not produced by a watermill consumer")
	}
	return msg, nil
}
