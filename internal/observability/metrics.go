package observability

import "sync"

// Metrics provides counter, gauge, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the client.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// SessionMetricsSnapshot captures session-focused runtime counters.
type SessionMetricsSnapshot struct {
	ReconnectAttempts uint64 `json:"reconnect_attempts"`
	EventsApplied     uint64 `json:"events_applied"`
	RequestRetries    uint64 `json:"request_retries"`
	Exhaustions       uint64 `json:"exhaustions"`
}

// RuntimeMetrics accumulates session counters in-memory for periodic export.
type RuntimeMetrics struct {
	mu      sync.Mutex
	session SessionMetricsSnapshot
}

// NewRuntimeMetrics constructs an empty metrics accumulator.
func NewRuntimeMetrics() *RuntimeMetrics {
	return new(RuntimeMetrics)
}

// RecordReconnectAttempt counts one reconnect attempt.
func (m *RuntimeMetrics) RecordReconnectAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.ReconnectAttempts++
}

// RecordEventApplied counts one data event applied to the cache.
func (m *RuntimeMetrics) RecordEventApplied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.EventsApplied++
}

// RecordRequestRetry counts one retried discrete request attempt.
func (m *RuntimeMetrics) RecordRequestRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.RequestRetries++
}

// RecordExhaustion counts one reconnect budget exhaustion.
func (m *RuntimeMetrics) RecordExhaustion() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Exhaustions++
}

// Snapshot returns a copy of the accumulated counters.
func (m *RuntimeMetrics) Snapshot() SessionMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
