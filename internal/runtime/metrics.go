package runtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "eventrelay"

// Metrics tracks publish and dispatch statistics. A nil *Metrics is valid and
// records nothing, so components never have to check whether metrics are enabled.
type Metrics struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics
	pollErrors  uint64
	persisted   uint64

	publishedTotal        *prometheus.CounterVec
	publishFailuresTotal  *prometheus.CounterVec
	queueFullRetriesTotal *prometheus.CounterVec
	polledTotal           *prometheus.CounterVec
	pollErrorsTotal       prometheus.Counter
	dispatchedTotal       *prometheus.CounterVec
	dispatchFailuresTotal *prometheus.CounterVec
	persistedTotal        *prometheus.CounterVec
	publishDuration       *prometheus.HistogramVec
	dispatchDuration      *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

// TopicMetrics holds counters for one topic.
type TopicMetrics struct {
	Published        uint64    `json:"published"`
	PublishFailures  uint64    `json:"publish_failures"`
	QueueFullRetries uint64    `json:"queue_full_retries"`
	Polled           uint64    `json:"polled"`
	Dispatched       uint64    `json:"dispatched"`
	DispatchFailures uint64    `json:"dispatch_failures"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// MetricsSnapshot provides a point-in-time view of the counters.
type MetricsSnapshot struct {
	PollErrors   uint64                   `json:"poll_errors"`
	Persisted    uint64                   `json:"persisted"`
	TopicMetrics map[string]*TopicMetrics `json:"topic_metrics"`
	CollectedAt  time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer selects the Prometheus
// default registry. When the registerer is also a Gatherer, Handler serves it.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		topicCounts:           make(map[string]*TopicMetrics),
		registerer:            registerer,
		gatherer:              gatherer,
		publishedTotal:        newCounterVec("published_total", "Records acknowledged by the broker", []string{"topic"}),
		publishFailuresTotal:  newCounterVec("publish_failures_total", "Publish calls that returned an error", []string{"topic", "kind"}),
		queueFullRetriesTotal: newCounterVec("queue_full_retries_total", "Publishes retried after the send buffer was full", []string{"topic"}),
		polledTotal:           newCounterVec("polled_total", "Records returned by the consumer", []string{"topic"}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "poll_errors_total",
			Help:      "Broker errors reported while polling",
		}),
		dispatchedTotal:       newCounterVec("dispatched_total", "Records handled and committed", []string{"topic"}),
		dispatchFailuresTotal: newCounterVec("dispatch_failures_total", "Records whose handler failed and were skipped", []string{"topic", "kind"}),
		persistedTotal:        newCounterVec("persisted_total", "Documents written to the sink", []string{"collection"}),
		publishDuration:       newHistogramVec("publish_duration_seconds", "Time from send to broker acknowledgement", []string{"topic"}),
		dispatchDuration:      newHistogramVec("dispatch_duration_seconds", "Time spent handling one record", []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.publishFailuresTotal,
		m.queueFullRetriesTotal,
		m.polledTotal,
		m.pollErrorsTotal,
		m.dispatchedTotal,
		m.dispatchFailuresTotal,
		m.persistedTotal,
		m.publishDuration,
		m.dispatchDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the gathered metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordPublished(topic string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.Published++
	tm.LastUpdatedAt = time.Now()

	m.publishedTotal.WithLabelValues(topic).Inc()
	m.publishDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordPublishFailure(topic, kind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.PublishFailures++
	tm.LastUpdatedAt = time.Now()

	m.publishFailuresTotal.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) RecordQueueFullRetry(topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.QueueFullRetries++
	tm.LastUpdatedAt = time.Now()

	m.queueFullRetriesTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordPolled(topic string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.Polled++
	tm.LastUpdatedAt = time.Now()

	m.polledTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrors++
	m.pollErrorsTotal.Inc()
}

// RecordDispatched records a handled record. A non-empty failureKind marks
// the dispatch as failed.
func (m *Metrics) RecordDispatched(topic string, elapsed time.Duration, failureKind string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tm := m.getOrCreateTopicMetrics(topic)
	tm.LastUpdatedAt = time.Now()
	if failureKind == "" {
		tm.Dispatched++
		m.dispatchedTotal.WithLabelValues(topic).Inc()
	} else {
		tm.DispatchFailures++
		m.dispatchFailuresTotal.WithLabelValues(topic, failureKind).Inc()
	}
	m.dispatchDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordPersisted(collection string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted++
	m.persistedTotal.WithLabelValues(collection).Inc()
}

// GetSnapshot returns a copy of the current counters.
func (m *Metrics) GetSnapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		TopicMetrics: make(map[string]*TopicMetrics),
		CollectedAt:  time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.PollErrors = m.pollErrors
	snapshot.Persisted = m.persisted
	for topic, tm := range m.topicCounts {
		cp := *tm
		snapshot.TopicMetrics[topic] = &cp
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the counters for topic, or nil.
func (m *Metrics) GetTopicMetrics(topic string) *TopicMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tm, ok := m.topicCounts[topic]; ok {
		cp := *tm
		return &cp
	}
	return nil
}

func (m *Metrics) getOrCreateTopicMetrics(topic string) *TopicMetrics {
	if tm, ok := m.topicCounts[topic]; ok {
		return tm
	}
	tm := &TopicMetrics{}
	m.topicCounts[topic] = tm
	return tm
}

// Reset clears all counters (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*TopicMetrics)
	m.pollErrors = 0
	m.persisted = 0
	m.publishedTotal.Reset()
	m.publishFailuresTotal.Reset()
	m.queueFullRetriesTotal.Reset()
	m.polledTotal.Reset()
	m.dispatchedTotal.Reset()
	m.dispatchFailuresTotal.Reset()
	m.persistedTotal.Reset()
	m.publishDuration.Reset()
	m.dispatchDuration.Reset()
}
