package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// SupportsOrdering indicates records sharing a key are delivered in order.
	SupportsOrdering bool

	// SupportsPartitioning indicates the broker assigns real partitions and
	// offsets. Backends without it report partition 0 and a local sequence.
	SupportsPartitioning bool

	// SupportsSkip indicates an uncommitted record stays uncommitted. When
	// false, Skip acknowledges the record because a negative acknowledgement
	// would redeliver it forever.
	SupportsSkip bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// Durable indicates records survive a process restart.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReplay returns true if uncommitted records can be read again by a
// later consumer of the same group.
func (c Capabilities) SupportsReplay() bool {
	return c.Durable && c.SupportsSkip
}

// Predefined capability sets for the built-in transports.
var (
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsSkip:         true,
		SupportsTracing:      true,
		Durable:              true,
		MaxMessageSize:       1048576,
	}

	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		Durable:          true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
