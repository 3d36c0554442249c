package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

// Publisher sends keyed records to the configured topic through a BrokerClient.
// It is safe for concurrent use by request goroutines.
type Publisher struct {
	client  *BrokerClient
	topic   string
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
	metrics *Metrics

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewPublisher builds a Publisher for client's configured topic. metrics may be nil.
func NewPublisher(client *BrokerClient, log loggingpkg.ServiceLogger, metrics *Metrics) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("broker client is required")
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	topic := client.conf.GetTopic()
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		timeout: client.conf.GetPublishTimeout(),
		logger:  log,
		metrics: metrics,
	}, nil
}

// Topic returns the topic records are published to.
func (p *Publisher) Topic() string { return p.topic }

// Publish serializes key and value, sends them and waits for the broker
// acknowledgement. Keys accept []byte, string or nil; values additionally
// accept any JSON-encodable value. When the producer's send buffer is full
// the buffer is flushed and the send is retried exactly once.
func (p *Publisher) Publish(ctx context.Context, key, value any) (transport.Ack, error) {
	if !p.enter() {
		return transport.Ack{}, errspkg.ErrNotStarted
	}
	defer p.inflight.Done()

	keyBytes, err := encodeKey(key)
	if err != nil {
		p.fail(err, nil)
		return transport.Ack{}, err
	}
	valueBytes, err := encodeValue(value)
	if err != nil {
		p.fail(err, keyBytes)
		return transport.Ack{}, err
	}

	producer, err := p.client.Producer()
	if err != nil {
		p.fail(err, keyBytes)
		return transport.Ack{}, err
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ctx, span := startPublishSpan(ctx, p.client.conf.GetBrokerSystem(), p.topic, keyBytes)
	rec := transport.OutgoingRecord{Topic: p.topic, Key: keyBytes, Value: valueBytes}
	start := time.Now()

	attempts := 1
	ack, err := producer.Send(ctx, rec)
	if errors.Is(err, errspkg.ErrQueueFull) {
		attempts++
		p.metrics.RecordQueueFullRetry(p.topic)
		p.logger.Debug("Send buffer full, flushing before retry", loggingpkg.LogFields{"topic": p.topic})
		if flushErr := producer.Flush(ctx); flushErr != nil {
			p.logger.Error("Flush before retry failed", flushErr, loggingpkg.LogFields{"topic": p.topic})
		}
		ack, err = producer.Send(ctx, rec)
	}
	if err != nil {
		err = &errspkg.PublishError{Topic: p.topic, Attempts: attempts, Err: err}
		endSpan(span, err)
		p.fail(err, keyBytes)
		return transport.Ack{}, err
	}
	endSpan(span, nil)

	p.metrics.RecordPublished(p.topic, time.Since(start))
	p.logger.Info("Published event", loggingpkg.LogFields{
		"topic":     ack.Topic,
		"partition": ack.Partition,
		"offset":    ack.Offset,
		"key":       string(keyBytes),
		"value":     string(valueBytes),
	})
	return ack, nil
}

func (p *Publisher) fail(err error, key []byte) {
	p.metrics.RecordPublishFailure(p.topic, errspkg.Kind(err))
	p.logger.Error("Failed to publish event", err, loggingpkg.LogFields{
		"topic": p.topic,
		"key":   string(key),
	})
}

func (p *Publisher) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

// Close stops accepting new publishes and waits for in-flight ones to return
// or ctx to end. Later calls to Publish return errors.ErrNotStarted.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight publishes: %w", ctx.Err())
	}
}

func encodeKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case nil:
		return nil, nil
	case []byte:
		return k, nil
	case string:
		return []byte(k), nil
	default:
		return nil, &errspkg.SerializationError{Field: "key", Type: fmt.Sprintf("%T", key)}
	}
}

func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return nil, &errspkg.SerializationError{Field: "value", Type: fmt.Sprintf("%T", value), Err: err}
	}
	return data, nil
}
