// Package http provides a webhook-style transport: producers POST records to
// HTTP_BROKER_URL/<topic>, and the consumer serves those requests on
// HTTP_BROKER_ADDR. Either half is omitted when its setting is empty.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventrelay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL joins the broker base URL and a topic.
func TopicURL(baseURL, topic string) string {
	return strings.TrimRight(baseURL, "/") + "/" + topic
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPBrokerAddr()
	publisherURL := cfg.GetHTTPBrokerURL()
	if serverAddr == "" && publisherURL == "" {
		return transport.Transport{}, errors.New("http: broker address or URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	var tr transport.Transport

	if publisherURL != "" {
		client := &nethttp.Client{Timeout: cfg.GetPublishTimeout()}
		publisher, err := PublisherFactory(
			http.PublisherConfig{
				MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
					return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
				},
				Client: client,
			},
			logger,
		)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Producer = transport.NewWatermillProducer(publisher, cfg.GetQueueSize())
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(
			serverAddr,
			http.SubscriberConfig{
				UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
			},
			logger,
		)
		if err != nil {
			_ = tr.Close()
			return transport.Transport{}, err
		}

		consumer := transport.NewWatermillConsumer(subscriber, logger)
		// Routes are registered by Subscribe, so the server starts afterwards.
		if s, ok := subscriber.(*http.Subscriber); ok {
			consumer.OnSubscribed(func() error {
				go func() {
					if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
						logger.Error("HTTP broker server stopped", err, watermill.LogFields{"addr": serverAddr})
					}
				}()
				return nil
			})
		}
		tr.Consumer = consumer
	}

	return tr, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
