// Package metrics provides per-component in-process counters, the
// ambient "Metrics counters" supplemented feature of SPEC_FULL.md §5.
// This is intentionally not an external metrics registry or exporter
// (the Non-goals exclude those): ComponentMetrics is a plain counter
// set an embedding application can snapshot via Node.Stats-style
// accessors, with no HTTP surface and no process-wide singleton.
package metrics

import (
	"sync"
	"time"
)

// ComponentMetrics tracks request/latency/error counters for one
// component (e.g. "store", "gc", "sync").
type ComponentMetrics struct {
	mu                 sync.RWMutex
	ComponentName      string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalLatency       time.Duration
	AverageLatency     time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	BytesProcessed     int64
	ErrorsByType       map[string]int64
	LastResetTime      time.Time
}

// NewComponentMetrics creates a new metrics tracker for componentName.
func NewComponentMetrics(componentName string) *ComponentMetrics {
	return &ComponentMetrics{
		ComponentName: componentName,
		ErrorsByType:  make(map[string]int64),
		LastResetTime: time.Now(),
		MinLatency:    time.Duration(1<<63 - 1),
	}
}

// RecordRequest increments the total request counter.
func (m *ComponentMetrics) RecordRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

// RecordSuccess records a successful operation with its duration and
// bytes processed.
func (m *ComponentMetrics) RecordSuccess(duration time.Duration, bytesProcessed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SuccessfulRequests++
	m.BytesProcessed += bytesProcessed
	m.recordLatency(duration)
}

// RecordFailure records a failed operation with its duration and
// error type.
func (m *ComponentMetrics) RecordFailure(duration time.Duration, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailedRequests++
	m.recordLatency(duration)

	if errorType != "" {
		m.ErrorsByType[errorType]++
	}
}

func (m *ComponentMetrics) recordLatency(duration time.Duration) {
	m.TotalLatency += duration

	if duration < m.MinLatency {
		m.MinLatency = duration
	}
	if duration > m.MaxLatency {
		m.MaxLatency = duration
	}

	if m.TotalRequests > 0 {
		m.AverageLatency = m.TotalLatency / time.Duration(m.TotalRequests)
	}
}

// GetSnapshot returns a point-in-time copy of the current metrics.
func (m *ComponentMetrics) GetSnapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errorsCopy := make(map[string]int64, len(m.ErrorsByType))
	for k, v := range m.ErrorsByType {
		errorsCopy[k] = v
	}

	return MetricsSnapshot{
		ComponentName:      m.ComponentName,
		TotalRequests:      m.TotalRequests,
		SuccessfulRequests: m.SuccessfulRequests,
		FailedRequests:     m.FailedRequests,
		SuccessRate:        m.calculateSuccessRate(),
		AverageLatency:     m.AverageLatency,
		MinLatency:         m.MinLatency,
		MaxLatency:         m.MaxLatency,
		BytesProcessed:     m.BytesProcessed,
		ErrorsByType:       errorsCopy,
		UptimeSince:        m.LastResetTime,
	}
}

func (m *ComponentMetrics) calculateSuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100.0
}

// Reset clears all counters, starting a fresh measurement window.
func (m *ComponentMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests = 0
	m.SuccessfulRequests = 0
	m.FailedRequests = 0
	m.TotalLatency = 0
	m.AverageLatency = 0
	m.MinLatency = time.Duration(1<<63 - 1)
	m.MaxLatency = 0
	m.BytesProcessed = 0
	m.ErrorsByType = make(map[string]int64)
	m.LastResetTime = time.Now()
}

// MetricsSnapshot is a point-in-time view of a component's counters.
type MetricsSnapshot struct {
	ComponentName      string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	SuccessRate        float64
	AverageLatency     time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	BytesProcessed     int64
	ErrorsByType       map[string]int64
	UptimeSince        time.Time
}
