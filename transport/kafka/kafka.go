// Package kafka provides the Kafka transport on IBM/sarama. Produced records
// go through an async producer with per-record acknowledgement; consumed
// records come from a consumer group and are committed one at a time.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/dnwe/otelsarama"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ProducerFactory allows overriding the producer creation for testing.
var ProducerFactory = func(brokers []string, cfg *sarama.Config) (sarama.AsyncProducer, error) {
	return sarama.NewAsyncProducer(brokers, cfg)
}

// ConsumerGroupFactory allows overriding the consumer group creation for testing.
var ConsumerGroupFactory = func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, groupID, cfg)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport. The producer connects immediately; the
// consumer group is joined on Subscribe.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: no brokers configured")
	}

	saramaCfg, err := NewSaramaConfig(cfg)
	if err != nil {
		return transport.Transport{}, err
	}

	producer, err := NewProducer(brokers, saramaCfg, cfg.GetQueueSize(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	consumer := NewConsumer(brokers, cfg.GetConsumerGroup(), saramaCfg, logger)

	return transport.Transport{
		Producer: producer,
		Consumer: consumer,
	}, nil
}

// NewSaramaConfig maps the transport configuration onto a sarama config.
func NewSaramaConfig(cfg transport.Config) (*sarama.Config, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	if id := cfg.GetKafkaClientID(); id != "" {
		saramaCfg.ClientID = id
	}

	if d := cfg.GetConnectTimeout(); d > 0 {
		saramaCfg.Net.DialTimeout = d
	}
	if n := cfg.GetQueueSize(); n > 0 {
		saramaCfg.ChannelBufferSize = n
	}

	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	if d := cfg.GetPublishTimeout(); d > 0 {
		saramaCfg.Producer.Timeout = d
	}

	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = true
	saramaCfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	switch strings.ToLower(cfg.GetInitialOffset()) {
	case "", "earliest":
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	case "latest":
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		return nil, fmt.Errorf("kafka: unknown initial offset %q", cfg.GetInitialOffset())
	}

	if err := saramaCfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid client config: %w", err)
	}
	return saramaCfg, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

type inflight struct {
	key    []byte
	result chan result
}

type result struct {
	ack transport.Ack
	err error
}

// Producer is a transport.Producer over a sarama AsyncProducer. At most
// queueSize records are in flight; further sends fail with ErrQueueFull.
type Producer struct {
	producer sarama.AsyncProducer
	logger   watermill.LoggerAdapter
	sem      *semaphore.Weighted
	size     int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewProducer connects an async producer and wraps it for tracing.
func NewProducer(brokers []string, cfg *sarama.Config, queueSize int, logger watermill.LoggerAdapter) (*Producer, error) {
	async, err := ProducerFactory(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return newProducer(otelsarama.WrapAsyncProducer(cfg, async), queueSize, logger), nil
}

func newProducer(async sarama.AsyncProducer, queueSize int, logger watermill.LoggerAdapter) *Producer {
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	p := &Producer{
		producer: async,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(queueSize)),
		size:     int64(queueSize),
	}
	p.wg.Add(2)
	go p.routeSuccesses()
	go p.routeErrors()
	return p
}

func (p *Producer) routeSuccesses() {
	defer p.wg.Done()
	for msg := range p.producer.Successes() {
		in, ok := msg.Metadata.(*inflight)
		if !ok {
			continue
		}
		in.result <- result{ack: transport.Ack{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       in.key,
		}}
		p.sem.Release(1)
	}
}

func (p *Producer) routeErrors() {
	defer p.wg.Done()
	for perr := range p.producer.Errors() {
		if perr == nil || perr.Msg == nil {
			continue
		}
		in, ok := perr.Msg.Metadata.(*inflight)
		if !ok {
			p.logger.Error("Kafka producer error without caller", perr.Err, nil)
			continue
		}
		in.result <- result{err: perr.Err}
		p.sem.Release(1)
	}
}

func (p *Producer) Send(ctx context.Context, rec transport.OutgoingRecord) (transport.Ack, error) {
	if rec.Topic == "" {
		return transport.Ack{}, errspkg.ErrTopicRequired
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return transport.Ack{}, errspkg.ErrClosed
	}
	if !p.sem.TryAcquire(1) {
		p.mu.RUnlock()
		return transport.Ack{}, errspkg.ErrQueueFull
	}

	in := &inflight{key: rec.Key, result: make(chan result, 1)}
	msg := &sarama.ProducerMessage{
		Topic:    rec.Topic,
		Metadata: in,
	}
	if rec.Key != nil {
		msg.Key = sarama.ByteEncoder(rec.Key)
	}
	if rec.Value != nil {
		msg.Value = sarama.ByteEncoder(rec.Value)
	}

	select {
	case p.producer.Input() <- msg:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.sem.Release(1)
		return transport.Ack{}, fmt.Errorf("%w: %w", errspkg.ErrAckTimeout, ctx.Err())
	}

	select {
	case res := <-in.result:
		if res.err != nil {
			return transport.Ack{}, fmt.Errorf("kafka: produce to %s: %w", rec.Topic, res.err)
		}
		return res.ack, nil
	case <-ctx.Done():
		return transport.Ack{}, fmt.Errorf("%w: %w", errspkg.ErrAckTimeout, ctx.Err())
	}
}

// Flush blocks until every in-flight record is acknowledged or ctx ends.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return fmt.Errorf("kafka: flush: %w", err)
	}
	p.sem.Release(p.size)
	return nil
}

// Close stops the producer after the buffered records have been delivered.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	p.wg.Wait()
	return nil
}

// pending is a consumed message waiting for the poll loop's verdict.
type pending struct {
	msg  *sarama.ConsumerMessage
	sess sarama.ConsumerGroupSession
	done chan struct{}
	once sync.Once
}

func (p *pending) release() {
	p.once.Do(func() { close(p.done) })
}

// Consumer is a transport.Consumer over a sarama consumer group. Each claimed
// partition hands one message at a time to Poll and waits for Commit or Skip
// before reading the next, which keeps per-partition order.
type Consumer struct {
	brokers []string
	groupID string
	cfg     *sarama.Config
	logger  watermill.LoggerAdapter

	records chan *pending
	errs    chan error

	mu     sync.Mutex
	group  sarama.ConsumerGroup
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewConsumer prepares a consumer. No connection is made until Subscribe.
func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, logger watermill.LoggerAdapter) *Consumer {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Consumer{
		brokers: brokers,
		groupID: groupID,
		cfg:     cfg,
		logger:  logger,
		records: make(chan *pending),
		errs:    make(chan error, 16),
	}
}

// Subscribe joins the consumer group and starts consuming topics in the
// background until Close.
func (c *Consumer) Subscribe(ctx context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errspkg.ErrClosed
	}
	if c.group != nil {
		return errors.New("kafka: consumer already subscribed")
	}
	if len(topics) == 0 {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	group, err := ConsumerGroupFactory(c.brokers, c.groupID, c.cfg)
	if err != nil {
		return fmt.Errorf("kafka: join group %s: %w", c.groupID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.group = group
	c.cancel = cancel

	handler := otelsarama.WrapConsumerGroupHandler(&groupHandler{consumer: c})

	c.wg.Add(2)
	go c.consume(runCtx, topics, handler)
	go c.forwardErrors(runCtx)
	return nil
}

func (c *Consumer) consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) {
	defer c.wg.Done()
	for {
		if err := c.group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.reportError(err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) forwardErrors(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			c.reportError(err)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) reportError(err error) {
	select {
	case c.errs <- err:
	default:
		c.logger.Error("Dropping Kafka consumer error", err, nil)
	}
}

// Poll returns the next claimed message, a broker error, or (nil, nil) when
// nothing arrived within timeout.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) (*transport.Record, error) {
	c.mu.Lock()
	subscribed := c.group != nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errspkg.ErrClosed
	}
	if !subscribed {
		return nil, errors.New("kafka: poll before subscribe")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-c.records:
		rec := &transport.Record{
			Topic:     p.msg.Topic,
			Partition: p.msg.Partition,
			Offset:    p.msg.Offset,
			Key:       p.msg.Key,
			Value:     p.msg.Value,
			Timestamp: p.msg.Timestamp,
		}
		return rec.WithToken(p), nil
	case err := <-c.errs:
		return nil, err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Commit marks the record's offset; the group commits it on the next
// auto-commit tick or on rebalance.
func (c *Consumer) Commit(ctx context.Context, rec *transport.Record) error {
	p, err := pendingFromRecord(rec)
	if err != nil {
		return err
	}
	p.sess.MarkMessage(p.msg, "")
	p.release()
	return nil
}

// Skip releases the partition without marking the offset.
func (c *Consumer) Skip(ctx context.Context, rec *transport.Record) error {
	p, err := pendingFromRecord(rec)
	if err != nil {
		return err
	}
	p.release()
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	group, cancel := c.group, c.cancel
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	err := group.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("kafka: close consumer group: %w", err)
	}
	return nil
}

func pendingFromRecord(rec *transport.Record) (*pending, error) {
	if rec == nil {
		return nil, errors.New("kafka: record is nil")
	}
	p, ok := rec.Token().(*pending)
	if !ok {
		return nil, errors.New("kafka: record was not produced by this consumer")
	}
	return p, nil
}

type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Debug("Kafka partitions assigned", watermill.LogFields{
		"member_id": sess.MemberID(),
		"claims":    sess.Claims(),
	})
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			p := &pending{msg: msg, sess: sess, done: make(chan struct{})}
			select {
			case h.consumer.records <- p:
			case <-sess.Context().Done():
				return nil
			}
			select {
			case <-p.done:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}
