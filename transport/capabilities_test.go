package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSupportsReplay(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		want bool
	}{
		{"kafka", KafkaCapabilities, true},
		{"rabbitmq acks on skip", RabbitMQCapabilities, false},
		{"channel", ChannelCapabilities, false},
		{"nats", NATSCapabilities, false},
		{"http", HTTPCapabilities, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReplay())
		})
	}
}

func TestOnlyKafkaReportsPartitions(t *testing.T) {
	assert.True(t, KafkaCapabilities.SupportsPartitioning)
	for _, caps := range []Capabilities{ChannelCapabilities, NATSCapabilities, RabbitMQCapabilities, HTTPCapabilities} {
		assert.False(t, caps.SupportsPartitioning, caps.Name)
	}
}
