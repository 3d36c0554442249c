// Package api is the HTTP edge of the relay. The API process accepts game
// events on POST /event and hands them to the publisher. Both processes serve
// liveness, status and metrics endpoints.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/drblury/eventrelay/internal/runtime"
	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/internal/runtime/events"
	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/transport"
)

const defaultMaxBodyBytes = 1 << 20

// Mode selects which routes a Server exposes.
type Mode int

const (
	// ModeAPI accepts event submissions.
	ModeAPI Mode = iota
	// ModeConsumer only serves liveness and status.
	ModeConsumer
)

var (
	ErrPublisherRequired = errors.New("api: publisher is required in API mode")
	ErrAuthRequired      = errors.New("api: JWT manager is required in API mode")
)

// EventPublisher hands an event to the broker under its partition key.
type EventPublisher interface {
	Publish(ctx context.Context, key, value any) (transport.Ack, error)
}

type HealthChecker interface {
	Healthy() bool
}

type StatusProvider interface {
	Status() runtime.Status
}

// Options configures a Server. Health, Status and Metrics are optional.
type Options struct {
	Mode      Mode
	Publisher EventPublisher
	Auth      *JWTManager
	Logger    loggingpkg.ServiceLogger

	// RateLimit is the sustained per-submitter rate in events per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	Health  HealthChecker
	Status  StatusProvider
	Metrics http.Handler

	MaxBodyBytes int64
	Now          func() time.Time
}

// Server is the relay's http.Handler.
type Server struct {
	opts     Options
	logger   loggingpkg.ServiceLogger
	limiters *limiterStore
	handler  http.Handler
}

func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.Mode == ModeAPI {
		if opts.Publisher == nil {
			return nil, ErrPublisherRequired
		}
		if opts.Auth == nil {
			return nil, ErrAuthRequired
		}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With(loggingpkg.LogFields{"component": "http"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Status != nil {
		mux.HandleFunc("GET /status", s.handleStatus)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Mode == ModeAPI {
		s.limiters = newLimiterStore(opts.RateLimit, opts.RateBurst)
		mux.Handle("POST /event", chain(http.HandlerFunc(s.handleSubmitEvent),
			Authenticate(opts.Auth),
			RateLimit(s.limiters),
		))
	}

	s.handler = chain(mux, RequestID(), RequestLogging(s.logger))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background rate limiter maintenance.
func (s *Server) Close() {
	s.limiters.Stop()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	msg := "Hello World!"
	if s.opts.Mode == ModeConsumer {
		msg = "Event consumer is running..."
	}
	writeJSON(w, http.StatusOK, Message{Message: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil && !s.opts.Health.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status.Status())
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, newProblem(r, http.StatusRequestEntityTooLarge, "request body too large"))
			return
		}
		writeProblem(w, newProblem(r, http.StatusBadRequest, "could not read request body"))
		return
	}

	var event events.GameEvent
	if err := jsoncodec.Unmarshal(body, &event); err != nil {
		writeProblem(w, newProblem(r, http.StatusBadRequest, "request body is not a valid game event"))
		return
	}
	if err := event.Validate(); err != nil {
		writeProblem(w, newProblem(r, http.StatusBadRequest, err.Error()))
		return
	}
	event = event.WithDefaults(s.opts.Now())

	fields := loggingpkg.LogFields{
		"request_id": RequestIDFromContext(r.Context()),
		"key":        event.PartitionKey(),
	}
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		fields["submitter"] = claims.subject()
	}

	if _, err := s.opts.Publisher.Publish(r.Context(), event.PartitionKey(), event); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, errspkg.ErrNotStarted) {
			status = http.StatusServiceUnavailable
		}
		fields["error_kind"] = errspkg.Kind(err)
		s.logger.Error("Event submission failed", err, fields)
		writeProblem(w, newProblem(r, status, "event could not be queued"))
		return
	}

	s.logger.Debug("Event submitted", fields)
	writeJSON(w, http.StatusCreated, Message{Message: "Event has been queued."})
}
