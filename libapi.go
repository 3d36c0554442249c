package eventrelay

import (
	"github.com/drblury/eventrelay/internal/api"
	runtimepkg "github.com/drblury/eventrelay/internal/runtime"
	configpkg "github.com/drblury/eventrelay/internal/runtime/config"
	errspkg "github.com/drblury/eventrelay/internal/runtime/errors"
	"github.com/drblury/eventrelay/internal/runtime/events"
	idspkg "github.com/drblury/eventrelay/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventrelay/internal/runtime/logging"
	"github.com/drblury/eventrelay/sink"
	"github.com/drblury/eventrelay/transport"
)

type (
	Config    = configpkg.Config
	GameEvent = events.GameEvent
	NumericID = events.NumericID
	Timestamp = events.Timestamp

	Coordinator             = runtimepkg.Coordinator
	CoordinatorDependencies = runtimepkg.CoordinatorDependencies
	BrokerClient            = runtimepkg.BrokerClient
	Publisher               = runtimepkg.Publisher
	Subscriber              = runtimepkg.Subscriber
	SubscriberConfig        = runtimepkg.SubscriberConfig
	SubscriberState         = runtimepkg.SubscriberState
	SinkAdapter             = runtimepkg.SinkAdapter
	RecordHandler           = runtimepkg.RecordHandler
	RecordHandlerFunc       = runtimepkg.RecordHandlerFunc
	Status                  = runtimepkg.Status

	// Dispatch lifecycle hooks
	DispatchContext = runtimepkg.DispatchContext
	DispatchHooks   = runtimepkg.DispatchHooks

	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	TopicMetrics    = runtimepkg.TopicMetrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Record            = transport.Record
	OutgoingRecord    = transport.OutgoingRecord
	Ack               = transport.Ack
	TransportBuilder  = transport.Builder
	TransportConfig   = transport.Config
	TransportRegistry = transport.Registry

	Document     = sink.Document
	Store        = sink.Store
	SinkRegistry = sink.Registry

	HTTPOptions = api.Options
	HTTPServer  = api.Server
	JWTManager  = api.JWTManager
	Claims      = api.Claims

	ConnectionError    = errspkg.ConnectionError
	SerializationError = errspkg.SerializationError
	DecodeError        = errspkg.DecodeError
	BrokerPollError    = errspkg.BrokerPollError
	SinkWriteError     = errspkg.SinkWriteError
	PublishError       = errspkg.PublishError
)

var (
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewCoordinator  = runtimepkg.NewCoordinator
	NewBrokerClient = runtimepkg.NewBrokerClient
	NewPublisher    = runtimepkg.NewPublisher
	NewSubscriber   = runtimepkg.NewSubscriber
	NewSinkAdapter  = runtimepkg.NewSinkAdapter
	NewMetrics      = runtimepkg.NewMetrics
	NewHTTPServer   = api.NewServer
	NewJWTManager   = api.NewJWTManager
	DecodeGameEvent = events.Decode

	// Dispatch lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewLogger     = loggingpkg.New
	DiscardLogger = loggingpkg.Discard
	NewSlogLogger = loggingpkg.NewSlogServiceLogger

	RegisterTransport = transport.Register
	RegisterSink      = sink.Register

	NewID = idspkg.New

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrorKind = errspkg.Kind
)

const (
	HTTPModeAPI      = api.ModeAPI
	HTTPModeConsumer = api.ModeConsumer
)

var (
	ErrQueueFull     = errspkg.ErrQueueFull
	ErrNotStarted    = errspkg.ErrNotStarted
	ErrClosed        = errspkg.ErrClosed
	ErrAckTimeout    = errspkg.ErrAckTimeout
	ErrTopicRequired = errspkg.ErrTopicRequired
)
