package runtime

import "time"

// Status summarises the relay for operators.
type Status struct {
	BrokerSystem    string          `json:"broker_system"`
	Topic           string          `json:"topic"`
	Connected       bool            `json:"connected"`
	Consuming       bool            `json:"consuming"`
	SubscriberState string          `json:"subscriber_state,omitempty"`
	SinkSystem      string          `json:"sink_system,omitempty"`
	Metrics         MetricsSnapshot `json:"metrics"`
	Resources       ResourceUsage   `json:"resources"`
	ReportedAt      time.Time       `json:"reported_at"`
}

// Status reports the current state of the broker client, the poll loop and
// the process.
func (c *Coordinator) Status() Status {
	st := Status{
		BrokerSystem: c.conf.BrokerSystem,
		Topic:        c.conf.KafkaTopic,
		Connected:    c.client.Started(),
		Consuming:    c.deps.Consume,
		Metrics:      c.metrics.GetSnapshot(),
		Resources:    c.resources.Sample(),
		ReportedAt:   time.Now().UTC(),
	}
	if c.deps.Consume {
		st.SinkSystem = c.conf.SinkSystem
	}
	if sub := c.Subscriber(); sub != nil {
		st.SubscriberState = sub.State().String()
	}
	return st
}
