package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

// SubscriberState is the lifecycle position of a Subscriber.
type SubscriberState int32

const (
	StateCreated SubscriberState = iota
	StateSubscribed
	StatePolling
	StateDispatching
	StateStopping
	StateClosed
)

func (s SubscriberState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribed:
		return "subscribed"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// pollErrorBackoff is the pause after a broker poll error before polling again.
var pollErrorBackoff = 100 * time.Millisecond

const handlerErrorBuffer = 64

// SubscriberConfig holds the poll loop settings.
type SubscriberConfig struct {
	Topics []string
	// PollTimeout bounds a single poll. An empty poll is not an error.
	PollTimeout time.Duration
	// DispatchTimeout bounds a single handler call. Zero disables the bound.
	DispatchTimeout time.Duration
}

// Subscriber polls records from the broker and hands them, one at a time, to a
// RecordHandler. A handled record is committed; a failed one is skipped and
// its error reported.
type Subscriber struct {
	client  *BrokerClient
	handler RecordHandler
	conf    SubscriberConfig
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	hooks   DispatchHooks

	state       atomic.Int32
	handlerErrs chan error

	mu       sync.Mutex
	consumer transport.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSubscriber builds a Subscriber in the Created state.
func NewSubscriber(client *BrokerClient, handler RecordHandler, conf SubscriberConfig, log loggingpkg.ServiceLogger, metrics *Metrics, hooks DispatchHooks) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("broker client is required")
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerMissing
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(conf.Topics) == 0 {
		return nil, errspkg.ErrTopicRequired
	}
	if conf.PollTimeout <= 0 {
		conf.PollTimeout = time.Second
	}
	return &Subscriber{
		client:      client,
		handler:     handler,
		conf:        conf,
		logger:      log.With(loggingpkg.LogFields{"topics": strings.Join(conf.Topics, ",")}),
		metrics:     metrics,
		hooks:       hooks,
		handlerErrs: make(chan error, handlerErrorBuffer),
	}, nil
}

// State returns the current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *Subscriber) setState(state SubscriberState) {
	s.state.Store(int32(state))
}

// HandlerErrors returns the channel failed dispatches are reported on.
// Coordinator.Run drains it; a standalone Subscriber drops reports once the
// buffer is full and nobody reads.
func (s *Subscriber) HandlerErrors() <-chan error {
	return s.handlerErrs
}

// Subscribe joins the consumer group for the configured topics. Failure is
// returned as *errors.ConnectionError.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateCreated {
		return fmt.Errorf("subscribe in state %s", s.State())
	}

	consumer, err := s.client.Consumer()
	if err == nil {
		err = consumer.Subscribe(ctx, s.conf.Topics)
	}
	if err != nil {
		return &errspkg.ConnectionError{
			Component: "consumer",
			Target:    strings.Join(s.conf.Topics, ","),
			Err:       err,
		}
	}

	s.consumer = consumer
	s.setState(StateSubscribed)
	s.logger.Info("Subscribed", nil)
	return nil
}

// Run polls and dispatches until ctx is cancelled or Stop is called. A record
// being dispatched when that happens is finished first; no new poll begins.
// A record the consumer hands back after cancellation is skipped unhandled.
// Run after Stop returns errors.ErrClosed.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.State() != StateSubscribed {
		state := s.State()
		s.mu.Unlock()
		if state == StateStopping || state == StateClosed {
			return errspkg.ErrClosed
		}
		return fmt.Errorf("run in state %s", state)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	consumer := s.consumer
	done := s.done
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	s.logger.Info("Poll loop started", loggingpkg.LogFields{"poll_timeout": s.conf.PollTimeout.String()})
	for ctx.Err() == nil {
		s.setState(StatePolling)
		rec, err := consumer.Poll(ctx, s.conf.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, errspkg.ErrClosed) {
				s.setState(StateStopping)
				return fmt.Errorf("consumer closed while polling: %w", err)
			}
			s.pollFailed(ctx, err)
			continue
		}
		if rec == nil {
			continue
		}
		if rec.Err != nil {
			s.pollFailed(ctx, rec.Err)
			continue
		}
		if ctx.Err() != nil {
			s.release(ctx, consumer, rec)
			break
		}

		s.metrics.RecordPolled(rec.Topic)
		s.setState(StateDispatching)
		s.dispatch(ctx, consumer, rec)
	}

	s.setState(StateStopping)
	s.logger.Info("Poll loop stopped", nil)
	return nil
}

// release hands back a record polled after stop without dispatching or
// committing it.
func (s *Subscriber) release(ctx context.Context, consumer transport.Consumer, rec *transport.Record) {
	if err := consumer.Skip(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error("Failed to release record polled after stop", err, loggingpkg.LogFields{
			"topic":     rec.Topic,
			"partition": rec.Partition,
			"offset":    rec.Offset,
		})
		return
	}
	s.logger.Debug("Released record polled after stop", loggingpkg.LogFields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
	})
}

func (s *Subscriber) pollFailed(ctx context.Context, err error) {
	pollErr := &errspkg.BrokerPollError{Err: err}
	s.metrics.RecordPollError()
	s.logger.Error("Broker poll failed", pollErr, nil)

	timer := time.NewTimer(pollErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// dispatch runs the handler on a context detached from loop cancellation so a
// stop request never interrupts a write halfway.
func (s *Subscriber) dispatch(loopCtx context.Context, consumer transport.Consumer, rec *transport.Record) {
	ctx := context.WithoutCancel(loopCtx)
	if s.conf.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conf.DispatchTimeout)
		defer cancel()
	}

	ctx, span := startDispatchSpan(ctx, s.client.conf.GetBrokerSystem(), rec)
	dctx := newDispatchContext(ctx, rec)
	s.hooks.start(dctx)

	err := s.handle(ctx, rec)
	dctx.Duration = time.Since(dctx.StartedAt)

	if err == nil {
		if commitErr := consumer.Commit(ctx, rec); commitErr != nil {
			s.logger.Error("Failed to commit record", commitErr, loggingpkg.LogFields{
				"topic":     rec.Topic,
				"partition": rec.Partition,
				"offset":    rec.Offset,
			})
		}
		endSpan(span, nil)
		s.metrics.RecordDispatched(rec.Topic, dctx.Duration, "")
		s.hooks.done(dctx)
		return
	}

	if skipErr := consumer.Skip(ctx, rec); skipErr != nil {
		s.logger.Error("Failed to skip record", skipErr, loggingpkg.LogFields{
			"topic":     rec.Topic,
			"partition": rec.Partition,
			"offset":    rec.Offset,
		})
	}
	endSpan(span, err)
	s.metrics.RecordDispatched(rec.Topic, dctx.Duration, errspkg.Kind(err))
	s.logger.Error("Record skipped", err, loggingpkg.LogFields{
		"topic":     rec.Topic,
		"partition": rec.Partition,
		"offset":    rec.Offset,
		"key":       string(rec.Key),
	})
	s.hooks.failed(dctx, err)
	s.report(err)
}

// handle calls the handler and turns a panic into an error so one record
// cannot stop the loop.
func (s *Subscriber) handle(ctx context.Context, rec *transport.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, rec)
}

func (s *Subscriber) report(err error) {
	select {
	case s.handlerErrs <- err:
	default:
		s.logger.Debug("Handler error channel full, dropping report", nil)
	}
}

// Stop cancels the poll loop and waits for it to exit or ctx to end. It is
// idempotent and may be called before Run.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	if cancel == nil {
		s.setState(StateClosed)
		s.mu.Unlock()
		return nil
	}
	s.setState(StateStopping)
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for poll loop: %w", ctx.Err())
	}

	s.setState(StateClosed)
	return nil
}
