package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/sink/memory"
	"github.com/drblury/eventrelay/sink/sinktest"
	"github.com/drblury/eventrelay/transport"
)

func newChannelCoordinator(t *testing.T, store *memory.Store, consume bool) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(testConfig("channel"), newTestLogger(), CoordinatorDependencies{
		Consume:    consume,
		Transports: channelRegistry(),
		Sinks:      memoryRegistry(store),
	})
	require.NoError(t, err)
	return c
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(nil, newTestLogger(), CoordinatorDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	_, err = NewCoordinator(testConfig("channel"), nil, CoordinatorDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestCoordinatorRoundTripOverChannel(t *testing.T) {
	store := memory.New()
	c := newChannelCoordinator(t, store, true)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	require.NoError(t, c.Start(ctx))
	go func() { runErr <- c.Run(ctx) }()

	event := sinktest.Event("p1")
	ack, err := c.Publisher().Publish(ctx, event.PartitionKey(), event)
	require.NoError(t, err)
	assert.Equal(t, "game-event", ack.Topic)

	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	doc := store.Documents()[0]
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "Touchdown!", doc.Event)
	assert.EqualValues(t, 42, doc.GameID)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, c.Healthy())
	assert.Equal(t, StateClosed, c.Subscriber().State())
}

func TestCoordinatorMalformedRecordDoesNotStopTheLoop(t *testing.T) {
	store := memory.New()
	reported := make(chan error, 1)
	c, err := NewCoordinator(testConfig("channel"), newTestLogger(), CoordinatorDependencies{
		Consume:        true,
		Transports:     channelRegistry(),
		Sinks:          memoryRegistry(store),
		OnHandlerError: func(err error) { reported <- err },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, c.Healthy, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Subscriber() != nil }, time.Second, 5*time.Millisecond)

	_, err = c.Publisher().Publish(ctx, "event-key-bad", "not json")
	require.NoError(t, err)
	event := sinktest.Event("p2")
	_, err = c.Publisher().Publish(ctx, event.PartitionKey(), event)
	require.NoError(t, err)

	select {
	case err := <-reported:
		var decodeErr *errspkg.DecodeError
		assert.ErrorAs(t, err, &decodeErr)
	case <-time.After(2 * time.Second):
		t.Fatal("malformed record was not reported")
	}
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorDrainsHandlerErrors(t *testing.T) {
	store := memory.New()
	c := newChannelCoordinator(t, store, true)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	require.NoError(t, c.Start(ctx))
	go func() { runErr <- c.Run(ctx) }()

	// More failures than the report buffer holds.
	for i := range handlerErrorBuffer + 8 {
		_, err := c.Publisher().Publish(ctx, fmt.Sprintf("event-key-bad-%d", i), "not json")
		require.NoError(t, err)
	}
	event := sinktest.Event("p3")
	_, err := c.Publisher().Publish(ctx, event.PartitionKey(), event)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return store.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(c.Subscriber().HandlerErrors()) == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-runErr)
}

func TestCoordinatorShutdownIsIdempotent(t *testing.T) {
	store := memory.New()
	c := newChannelCoordinator(t, store, true)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Shutdown(context.Background()))
	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, c.Healthy())

	_, err := store.Insert(context.Background(), sinktest.Document("p1"))
	assert.ErrorIs(t, err, errspkg.ErrClosed)
	_, err = c.Publisher().Publish(context.Background(), "k", "v")
	assert.ErrorIs(t, err, errspkg.ErrNotStarted)
	assert.ErrorIs(t, c.Start(context.Background()), errspkg.ErrClosed)
}

func TestCoordinatorShutdownBeforeStart(t *testing.T) {
	c := newChannelCoordinator(t, memory.New(), true)
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestCoordinatorStartFailureTearsDown(t *testing.T) {
	store := memory.New()
	reg := transport.NewRegistry()
	reg.Register("channel", func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{}, errors.New("no route to broker")
	})
	c, err := NewCoordinator(testConfig("channel"), newTestLogger(), CoordinatorDependencies{
		Consume:    true,
		Transports: reg,
		Sinks:      memoryRegistry(store),
	})
	require.NoError(t, err)

	err = c.Start(context.Background())
	var connErr *errspkg.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "broker", connErr.Component)

	// the sink opened before the broker failed is closed again
	_, err = store.Insert(context.Background(), sinktest.Document("p1"))
	assert.ErrorIs(t, err, errspkg.ErrClosed)
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestCoordinatorSinkFailureAbortsBeforeBroker(t *testing.T) {
	sinks := sink.NewRegistry()
	sinks.Register("memory", func(ctx context.Context, cfg sink.Config) (sink.Store, error) {
		return nil, errors.New("database is locked")
	})
	producer := &fakeProducer{}
	c, err := NewCoordinator(testConfig("fake"), newTestLogger(), CoordinatorDependencies{
		Consume:    true,
		Transports: fakeRegistry(producer, newFakeConsumer()),
		Sinks:      sinks,
	})
	require.NoError(t, err)

	err = c.Start(context.Background())
	var connErr *errspkg.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "sink", connErr.Component)
	assert.False(t, c.Healthy())
}

func TestCoordinatorServesHTTP(t *testing.T) {
	c := newChannelCoordinator(t, memory.New(), false)
	c.SetHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	require.NoError(t, c.Start(ctx))
	go func() { runErr <- c.Run(ctx) }()

	require.NotEmpty(t, c.Addr())
	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(fmt.Sprintf("http://%s/", c.Addr()))
		if err != nil {
			return false
		}
		resp = r
		return true
	}, time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	assert.NoError(t, <-runErr)
}

func TestCoordinatorExternalShutdownEndsRun(t *testing.T) {
	c := newChannelCoordinator(t, memory.New(), true)
	require.NoError(t, c.Start(context.Background()))

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(context.Background()) }()
	require.Eventually(t, func() bool { return c.Subscriber().State() == StatePolling }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestCoordinatorStatus(t *testing.T) {
	c := newChannelCoordinator(t, memory.New(), true)

	before := c.Status()
	assert.False(t, before.Connected)
	assert.Empty(t, before.SubscriberState)
	assert.Equal(t, "channel", before.BrokerSystem)
	assert.Equal(t, "memory", before.SinkSystem)

	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(context.Background())

	after := c.Status()
	assert.True(t, after.Connected)
	assert.True(t, after.Consuming)
	assert.Equal(t, "game-event", after.Topic)
	assert.Equal(t, StateSubscribed.String(), after.SubscriberState)
	assert.NotZero(t, after.Resources.Goroutines)
}
