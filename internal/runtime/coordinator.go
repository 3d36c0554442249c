package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/eventrelay/internal/runtime/config"
	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/transport"
)

// CoordinatorDependencies holds the optional collaborators of a Coordinator.
// Leave fields nil to use the defaults.
type CoordinatorDependencies struct {
	// Consume opens the sink and runs the poll loop.
	Consume bool

	Transports *transport.Registry
	Sinks      *sink.Registry
	// Handler replaces the SinkAdapter as the consumer's RecordHandler.
	Handler RecordHandler
	Hooks   DispatchHooks
	Metrics *Metrics
	// OnHandlerError receives every failed dispatch while Run is active. When
	// nil the failures are logged at debug level.
	OnHandlerError func(error)
}

// Coordinator owns the broker client, the publisher, and when consuming the
// document store and the poll loop, plus an optional HTTP server. It starts
// them in dependency order and shuts them down in reverse.
type Coordinator struct {
	conf    *configpkg.Config
	logger  loggingpkg.ServiceLogger
	deps    CoordinatorDependencies
	metrics *Metrics

	client    *BrokerClient
	publisher *Publisher
	resources *resourceSampler

	mu         sync.Mutex
	started    bool
	shutdown   bool
	store      sink.Store
	subscriber *Subscriber
	handler    http.Handler
	server     *http.Server
	listener   net.Listener
	closed     chan struct{}
}

// NewCoordinator builds a Coordinator. Nothing is connected until Start.
func NewCoordinator(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps CoordinatorDependencies) (*Coordinator, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if deps.Sinks == nil {
		deps.Sinks = sink.DefaultRegistry
	}

	log.Info("Creating event relay", loggingpkg.LogFields{
		"broker_system": conf.BrokerSystem,
		"consume":       deps.Consume,
		"config":        conf.String(),
	})

	client, err := NewBrokerClient(conf, log, deps.Transports)
	if err != nil {
		return nil, err
	}
	publisher, err := NewPublisher(client, log, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		conf:      conf,
		logger:    log,
		deps:      deps,
		metrics:   deps.Metrics,
		client:    client,
		publisher: publisher,
		resources: newResourceSampler(),
		closed:    make(chan struct{}),
	}, nil
}

// Client returns the broker client.
func (c *Coordinator) Client() *BrokerClient { return c.client }

// Publisher returns the publisher bound to the broker client.
func (c *Coordinator) Publisher() *Publisher { return c.publisher }

// Metrics returns the collectors passed in the dependencies, possibly nil.
func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Subscriber returns the poll loop once Start has succeeded in consume mode.
// Run drains its HandlerErrors channel; use OnHandlerError to observe them.
func (c *Coordinator) Subscriber() *Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriber
}

// Healthy reports whether the broker client is connected.
func (c *Coordinator) Healthy() bool {
	return c.client.Started()
}

// SetHTTPHandler registers the handler served on the configured HTTP address.
// It must be called before Start.
func (c *Coordinator) SetHTTPHandler(h http.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Addr returns the address the HTTP server listens on, or "" when there is none.
func (c *Coordinator) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Start opens the sink, connects the broker client, subscribes and binds the
// HTTP listener, in that order. Any failure tears down what was opened.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return errspkg.ErrClosed
	}
	if c.started {
		return nil
	}

	if err := c.start(ctx); err != nil {
		c.logger.Error("Startup failed", err, nil)
		_ = c.teardown(context.Background())
		c.shutdown = true
		close(c.closed)
		return err
	}
	c.started = true
	return nil
}

func (c *Coordinator) start(ctx context.Context) error {
	if c.deps.Consume {
		store, err := c.deps.Sinks.Open(ctx, c.conf)
		if err != nil {
			return &errspkg.ConnectionError{Component: "sink", Target: c.conf.SinkSystem, Err: err}
		}
		c.store = store
		c.logger.Info("Opened document store", loggingpkg.LogFields{
			"sink_system": c.conf.SinkSystem,
			"collection":  c.conf.SinkCollection,
		})
	}

	if err := c.client.Start(ctx); err != nil {
		return err
	}

	if c.deps.Consume {
		handler := c.deps.Handler
		if handler == nil {
			adapter, err := NewSinkAdapter(c.store, c.conf.SinkCollection, c.conf.SinkWriteTimeout, c.logger, c.metrics)
			if err != nil {
				return err
			}
			handler = adapter
		}

		hooks := LoggingHooks(c.logger).Merge(c.deps.Hooks)
		subscriber, err := NewSubscriber(c.client, handler, SubscriberConfig{
			Topics:          []string{c.conf.KafkaTopic},
			PollTimeout:     c.conf.PollTimeout,
			DispatchTimeout: c.conf.SinkWriteTimeout,
		}, c.logger, c.metrics, hooks)
		if err != nil {
			return err
		}
		if err := subscriber.Subscribe(ctx); err != nil {
			return err
		}
		c.subscriber = subscriber
	}

	if c.handler != nil {
		ln, err := net.Listen("tcp", c.conf.HTTPAddr)
		if err != nil {
			return &errspkg.ConnectionError{Component: "http", Target: c.conf.HTTPAddr, Err: err}
		}
		c.listener = ln
		c.server = &http.Server{
			Handler:           c.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		c.logger.Info("HTTP server listening", loggingpkg.LogFields{"address": ln.Addr().String()})
	}
	return nil
}

// Run starts the coordinator if needed and blocks until ctx is cancelled, an
// interrupt or termination signal arrives, or a component fails. It then shuts
// everything down and returns the first component error, if any.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.mu.Lock()
	subscriber, server, listener := c.subscriber, c.server, c.listener
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	if subscriber != nil {
		g.Go(func() error {
			err := subscriber.Run(gctx)
			if errors.Is(err, errspkg.ErrClosed) && c.isShutdown() {
				return nil
			}
			return err
		})
		handlerErrs := subscriber.HandlerErrors()
		g.Go(func() error {
			for {
				select {
				case err := <-handlerErrs:
					c.handlerFailed(err)
				case <-gctx.Done():
					return nil
				case <-c.closed:
					return nil
				}
			}
		})
	}
	if server != nil {
		g.Go(func() error {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.closed:
			return nil
		}
		c.logger.Info("Stop requested, shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*c.conf.ShutdownGrace)
		defer cancel()
		return c.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (c *Coordinator) handlerFailed(err error) {
	if c.deps.OnHandlerError != nil {
		c.deps.OnHandlerError(err)
		return
	}
	c.logger.Debug("Dispatch failure drained", loggingpkg.LogFields{
		"error": err.Error(),
		"kind":  errspkg.Kind(err),
	})
}

func (c *Coordinator) isShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Shutdown stops accepting work, drains the poll loop within the shutdown
// grace, closes the sink and stops the broker client. It is idempotent and
// safe after a partial or failed Start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}
	c.shutdown = true
	defer close(c.closed)

	err := c.teardown(ctx)
	if err != nil {
		c.logger.Error("Shutdown finished with errors", err, nil)
	} else {
		c.logger.Info("Shutdown complete", nil)
	}
	return err
}

// teardown runs with c.mu held.
func (c *Coordinator) teardown(ctx context.Context) error {
	var errs []error

	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if err := c.publisher.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if c.subscriber != nil {
		graceCtx, cancel := context.WithTimeout(ctx, c.conf.ShutdownGrace)
		if err := c.subscriber.Stop(graceCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop subscriber: %w", err))
		}
		cancel()
	}

	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}

	if err := c.client.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop broker client: %w", err))
	}

	return errors.Join(errs...)
}
