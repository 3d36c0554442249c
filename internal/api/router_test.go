package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventrelay/internal/runtime"
	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/internal/runtime/events"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

type publishCall struct {
	key   any
	value any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(ctx context.Context, key, value any) (transport.Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return transport.Ack{}, p.err
	}
	p.calls = append(p.calls, publishCall{key: key, value: value})
	return transport.Ack{Topic: "game-event"}, nil
}

type healthFunc func() bool

func (f healthFunc) Healthy() bool { return f() }

type statusFunc func() runtime.Status

func (f statusFunc) Status() runtime.Status { return f() }

var fixedNow = time.Date(2024, 9, 8, 13, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Discard()
	}
	if opts.Mode == ModeAPI && opts.Auth == nil {
		opts.Auth = NewJWTManager(testSecret, time.Minute, "eventrelay")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func bearer(t *testing.T) string {
	t.Helper()
	token, err := NewJWTManager(testSecret, time.Minute, "eventrelay").Generate("scoreboard-7")
	require.NoError(t, err)
	return "Bearer " + token
}

func submit(t *testing.T, s http.Handler, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/event", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", bearer(t))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func get(s http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Options{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	_, err = NewServer(Options{Logger: loggingpkg.Discard()})
	assert.ErrorIs(t, err, ErrPublisherRequired)
	_, err = NewServer(Options{Logger: loggingpkg.Discard(), Publisher: &fakePublisher{}})
	assert.ErrorIs(t, err, ErrAuthRequired)

	s, err := NewServer(Options{Mode: ModeConsumer, Logger: loggingpkg.Discard()})
	require.NoError(t, err)
	s.Close()
}

func TestRootMessage(t *testing.T) {
	api := newTestServer(t, Options{Publisher: &fakePublisher{}})
	rec := get(api, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Hello World!"}`, rec.Body.String())

	consumer := newTestServer(t, Options{Mode: ModeConsumer})
	rec = get(consumer, "/")
	assert.JSONEq(t, `{"message":"Event consumer is running..."}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(consumer, "/nope").Code)
}

func TestHealth(t *testing.T) {
	healthy := true
	s := newTestServer(t, Options{Mode: ModeConsumer, Health: healthFunc(func() bool { return healthy })})

	rec := get(s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	healthy = false
	rec = get(s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusAndMetricsRoutes(t *testing.T) {
	s := newTestServer(t, Options{
		Mode: ModeConsumer,
		Status: statusFunc(func() runtime.Status {
			return runtime.Status{BrokerSystem: "kafka", Topic: "game-event", Connected: true}
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})

	rec := get(s, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"broker_system":"kafka"`)
	assert.Contains(t, rec.Body.String(), `"connected":true`)

	assert.Equal(t, "# metrics", get(s, "/metrics").Body.String())

	bare := newTestServer(t, Options{Mode: ModeConsumer})
	assert.Equal(t, http.StatusNotFound, get(bare, "/status").Code)
	assert.Equal(t, http.StatusNotFound, get(bare, "/metrics").Code)
}

func TestSubmitEvent(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, Options{Publisher: pub})

	rec := submit(t, s, `{"game_id":"42","play_id":"p1","event_type":"scoring","event":"Touchdown!","player_id":7}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"Event has been queued."}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	require.Len(t, pub.calls, 1)
	assert.Equal(t, "event-key-p1", pub.calls[0].key)
	event, ok := pub.calls[0].value.(events.GameEvent)
	require.True(t, ok)
	assert.EqualValues(t, 42, event.GameID)
	require.NotNil(t, event.Timestamp)
	assert.True(t, fixedNow.Equal(event.Timestamp.Time))
}

func TestSubmitEventWithoutPlayID(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, Options{Publisher: pub})

	rec := submit(t, s, `{"game_id":1,"event_type":"kickoff","event":"Kickoff","player_id":3,"timestamp":"2024-09-08 13:00:00"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, pub.calls, 1)
	assert.Equal(t, "event-key-", pub.calls[0].key)
}

func TestSubmitEventRejects(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		auth   bool
		status int
	}{
		{name: "no token", body: `{}`, status: http.StatusUnauthorized},
		{name: "not json", body: `{`, auth: true, status: http.StatusBadRequest},
		{name: "missing event", body: `{"game_id":1,"event_type":"x","player_id":2}`, auth: true, status: http.StatusBadRequest},
		{name: "zero game id", body: `{"game_id":0,"event_type":"x","event":"y","player_id":2}`, auth: true, status: http.StatusBadRequest},
		{name: "bad timestamp", body: `{"game_id":1,"event_type":"x","event":"y","player_id":2,"timestamp":"yesterday"}`, auth: true, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			s := newTestServer(t, Options{Publisher: pub})
			rec := submit(t, s, tc.body, tc.auth)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, problemContentType, rec.Header().Get("Content-Type"))
			assert.Empty(t, pub.calls)
		})
	}
}

func TestSubmitEventBodyTooLarge(t *testing.T) {
	s := newTestServer(t, Options{Publisher: &fakePublisher{}, MaxBodyBytes: 16})
	rec := submit(t, s, `{"game_id":1,"event_type":"x","event":"y","player_id":2}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitEventPublishFailures(t *testing.T) {
	cases := map[error]int{
		errspkg.ErrNotStarted: http.StatusServiceUnavailable,
		&errspkg.PublishError{Topic: "game-event", Attempts: 2, Err: errspkg.ErrQueueFull}: http.StatusBadGateway,
		errors.New("broker unreachable"): http.StatusBadGateway,
	}
	for publishErr, status := range cases {
		s := newTestServer(t, Options{Publisher: &fakePublisher{err: publishErr}})
		rec := submit(t, s, `{"game_id":1,"play_id":"p","event_type":"x","event":"y","player_id":2}`, true)
		assert.Equal(t, status, rec.Code, publishErr.Error())
		assert.Contains(t, rec.Body.String(), "event could not be queued")
	}
}

func TestSubmitEventWrongMethod(t *testing.T) {
	s := newTestServer(t, Options{Publisher: &fakePublisher{}})
	assert.Equal(t, http.StatusMethodNotAllowed, get(s, "/event").Code)

	consumer := newTestServer(t, Options{Mode: ModeConsumer})
	assert.Equal(t, http.StatusNotFound, submit(t, consumer, `{}`, true).Code)
}
