package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

// defaultFlushTimeout bounds the flush in Stop when the caller's context has no deadline.
const defaultFlushTimeout = 10 * time.Second

// BrokerClient owns the connection to the configured broker. It is created
// stopped; Start dials the transport and Stop flushes and closes it. Both are
// idempotent and safe for concurrent use.
type BrokerClient struct {
	conf     transport.Config
	logger   loggingpkg.ServiceLogger
	registry *transport.Registry

	mu      sync.RWMutex
	started bool
	conn    transport.Transport
}

// NewBrokerClient builds a stopped client. A nil registry selects
// transport.DefaultRegistry.
func NewBrokerClient(conf transport.Config, log loggingpkg.ServiceLogger, registry *transport.Registry) (*BrokerClient, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	return &BrokerClient{
		conf:     conf,
		logger:   log.With(loggingpkg.LogFields{"broker_system": conf.GetBrokerSystem()}),
		registry: registry,
	}, nil
}

// Start connects to the broker. The dial is bounded by the configured connect
// timeout and is not retried. A failure is returned as *errors.ConnectionError.
func (c *BrokerClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if timeout := c.conf.GetConnectTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Error("Failed to connect to broker", err, nil)
		return &errspkg.ConnectionError{
			Component: "broker",
			Target:    c.conf.GetBrokerSystem(),
			Err:       err,
		}
	}

	c.conn = conn
	c.started = true
	c.logger.Info("Connected to broker", loggingpkg.LogFields{"topic": c.conf.GetTopic()})
	return nil
}

// dial runs the transport builder and gives up when ctx ends. A builder that
// finishes after the deadline has its transport closed.
func (c *BrokerClient) dial(ctx context.Context) (transport.Transport, error) {
	type result struct {
		conn transport.Transport
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := c.registry.Build(ctx, c.conf, loggingpkg.NewWatermillAdapter(c.logger))
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				_ = res.conn.Close()
			}
		}()
		return transport.Transport{}, ctx.Err()
	}
}

// Stop flushes pending sends and closes the connection. Calling Stop on a
// stopped client is a no-op.
func (c *BrokerClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}

	var errs []error
	if c.conn.Producer != nil {
		if err := c.conn.Producer.Flush(ctx); err != nil {
			c.logger.Error("Failed to flush producer", err, nil)
			errs = append(errs, fmt.Errorf("flush: %w", err))
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	c.conn = transport.Transport{}

	c.logger.Info("Disconnected from broker", nil)
	return errors.Join(errs...)
}

// Started reports whether the client holds a live connection.
func (c *BrokerClient) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}

// Producer returns the producing half of the connection.
func (c *BrokerClient) Producer() (transport.Producer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return nil, errspkg.ErrNotStarted
	}
	if c.conn.Producer == nil {
		return nil, fmt.Errorf("%s transport has no producer: %w", c.conf.GetBrokerSystem(), errspkg.ErrNotStarted)
	}
	return c.conn.Producer, nil
}

// Consumer returns the consuming half of the connection.
func (c *BrokerClient) Consumer() (transport.Consumer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return nil, errspkg.ErrNotStarted
	}
	if c.conn.Consumer == nil {
		return nil, fmt.Errorf("%s transport has no consumer: %w", c.conf.GetBrokerSystem(), errspkg.ErrNotStarted)
	}
	return c.conn.Consumer, nil
}

// Capabilities describes the configured transport.
func (c *BrokerClient) Capabilities() transport.Capabilities {
	return c.registry.GetCapabilities(c.conf.GetBrokerSystem())
}
