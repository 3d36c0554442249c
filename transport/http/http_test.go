package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventrelay/transport"
	"github.com/drblury/eventrelay/transport/transporttest"
)

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.HTTPCapabilities, caps)
	assert.True(t, caps.SupportsTracing)
	assert.False(t, caps.Durable)
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://broker:8080/game-event", TopicURL("http://broker:8080/", "game-event"))
	assert.Equal(t, "http://broker:8080/game-event", TopicURL("http://broker:8080", "game-event"))
}

func TestBuild(t *testing.T) {
	t.Run("creates both halves", func(t *testing.T) {
		origPub, origSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

		pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			req, err := config.MarshalMessageFunc("game-event", message.NewMessage("id-1", []byte("{}")))
			require.NoError(t, err)
			assert.Equal(t, "http://localhost:8080/game-event", req.URL.String())
			assert.NotNil(t, config.Client)
			return pubSub, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8080", addr)
			return pubSub, nil
		}

		cfg := transporttest.NewConfig(TransportName)
		cfg.HTTPBrokerAddr = ":8080"
		cfg.HTTPBrokerURL = "http://localhost:8080/"

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Producer)
		assert.NotNil(t, tr.Consumer)
		assert.NoError(t, tr.Close())
	})

	t.Run("producer only", func(t *testing.T) {
		origPub := PublisherFactory
		defer func() { PublisherFactory = origPub }()
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return gochannel.NewGoChannel(gochannel.Config{}, logger), nil
		}

		cfg := transporttest.NewConfig(TransportName)
		cfg.HTTPBrokerURL = "http://localhost:8080"

		tr, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.NotNil(t, tr.Producer)
		assert.Nil(t, tr.Consumer)
	})

	t.Run("requires an address or url", func(t *testing.T) {
		_, err := Build(context.Background(), transporttest.NewConfig(TransportName), nil)
		assert.Error(t, err)
	})

	t.Run("returns subscriber factory error", func(t *testing.T) {
		origSub := SubscriberFactory
		defer func() { SubscriberFactory = origSub }()
		want := errors.New("subscriber error")
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, want
		}

		cfg := transporttest.NewConfig(TransportName)
		cfg.HTTPBrokerAddr = ":8080"
		_, err := Build(context.Background(), cfg, nil)
		assert.ErrorIs(t, err, want)
	})
}
