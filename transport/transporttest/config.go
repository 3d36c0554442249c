// Package transporttest provides helpers for testing code built on the
// transport package.
package transporttest

import "time"

// Config is a transport.Config backed by plain fields.
type Config struct {
	BrokerSystem   string
	Topic          string
	ConsumerGroup  string
	InitialOffset  string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	QueueSize      int
	KafkaBrokers   []string
	KafkaClientID  string
	NATSURL        string
	RabbitMQURL    string
	HTTPBrokerAddr string
	HTTPBrokerURL  string
}

// NewConfig returns a Config for the named transport with usable defaults.
func NewConfig(brokerSystem string) *Config {
	return &Config{
		BrokerSystem:   brokerSystem,
		Topic:          "game-event",
		ConsumerGroup:  "game-event-consumers",
		InitialOffset:  "earliest",
		ConnectTimeout: time.Second,
		PublishTimeout: time.Second,
		QueueSize:      8,
	}
}

func (c *Config) GetBrokerSystem() string          { return c.BrokerSystem }
func (c *Config) GetTopic() string                 { return c.Topic }
func (c *Config) GetConsumerGroup() string         { return c.ConsumerGroup }
func (c *Config) GetInitialOffset() string         { return c.InitialOffset }
func (c *Config) GetConnectTimeout() time.Duration { return c.ConnectTimeout }
func (c *Config) GetPublishTimeout() time.Duration { return c.PublishTimeout }
func (c *Config) GetQueueSize() int                { return c.QueueSize }
func (c *Config) GetKafkaBrokers() []string        { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string         { return c.KafkaClientID }
func (c *Config) GetNATSURL() string               { return c.NATSURL }
func (c *Config) GetRabbitMQURL() string           { return c.RabbitMQURL }
func (c *Config) GetHTTPBrokerAddr() string        { return c.HTTPBrokerAddr }
func (c *Config) GetHTTPBrokerURL() string         { return c.HTTPBrokerURL }
