package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the metrics recorded by the engine
const (
	SagaStarted        = "saga_started"
	SagaCompleted      = "saga_completed"
	SagaFailed         = "saga_failed"
	SagaCancelled      = "saga_cancelled"
	SagaStepRetries    = "saga_step_retries"
	SagaCompensations  = "saga_compensations"
	SagaStepDuration   = "saga_step_duration"
	SagaRunDuration    = "saga_run_duration"
	SagaSteps          = "saga_steps"
	DeadLettersAdded   = "dead_letters_added"
	EventsProjected    = "events_projected"
	MessagesProcessed  = "messages_processed"
	BreakerOpened      = "breaker_opened"
	RecordsMatched     = "records_matched"
	RecordsUnmatched   = "records_unmatched"
	ActiveSagas        = "active_sagas"
	ProviderFetches    = "provider_fetches"
	NotificationsSent  = "notifications_sent"
	SnapshotsTaken     = "snapshots_taken"
	ScheduledRuns      = "scheduled_runs"
	StaleSagasResumed  = "stale_sagas_resumed"
	HTTPRequests       = "http_requests"
	HTTPRequestLatency = "http_request_latency"
)

// TimerMetric summarises a timer
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric summarises an error rate in percent
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

type errorRate struct {
	total  int64
	errors int64
}

// Metrics is an in-process collector of counters, gauges, timers, error
// rates and component health. All methods are safe for concurrent use.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timer
	errorRates map[string]*errorRate
	health     map[string]*int64
	startTime  time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timer),
		errorRates: make(map[string]*errorRate),
		health:     make(map[string]*int64),
		startTime:  time.Now(),
	}
}

// lookup returns the entry for name, creating it under the write lock on first use
func lookup[T any](m *Metrics, entries map[string]*T, name string, create func() *T) *T {
	m.mu.RLock()
	entry, ok := entries[name]
	m.mu.RUnlock()
	if ok {
		return entry
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok = entries[name]; !ok {
		entry = create()
		entries[name] = entry
	}
	return entry
}

func newInt64() *int64 {
	return new(int64)
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(lookup(m, m.counters, name, newInt64), value)
}

// SetGauge sets a gauge
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(lookup(m, m.gauges, name, newInt64), value)
}

// AddGauge moves a gauge by delta
func (m *Metrics) AddGauge(name string, delta int64) {
	atomic.AddInt64(lookup(m, m.gauges, name, newInt64), delta)
}

// RecordTimer records a duration in milliseconds
func (m *Metrics) RecordTimer(name string, durationMs int64) {
	t := lookup(m, m.timers, name, func() *timer { return &timer{minMs: math.MaxInt64} })

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalMs, durationMs)

	for {
		current := atomic.LoadInt64(&t.minMs)
		if durationMs >= current || atomic.CompareAndSwapInt64(&t.minMs, current, durationMs) {
			break
		}
	}
	for {
		current := atomic.LoadInt64(&t.maxMs)
		if durationMs <= current || atomic.CompareAndSwapInt64(&t.maxMs, current, durationMs) {
			break
		}
	}
}

// RecordDuration records the time elapsed since start
func (m *Metrics) RecordDuration(name string, start time.Time) {
	m.RecordTimer(name, time.Since(start).Milliseconds())
}

// RecordSuccess records a success for error rate tracking
func (m *Metrics) RecordSuccess(name string) {
	m.recordOutcome(name, false)
}

// RecordError records a failure for error rate tracking
func (m *Metrics) RecordError(name string) {
	m.recordOutcome(name, true)
}

func (m *Metrics) recordOutcome(name string, failed bool) {
	rate := lookup(m, m.errorRates, name, func() *errorRate { return &errorRate{} })
	atomic.AddInt64(&rate.total, 1)
	if failed {
		atomic.AddInt64(&rate.errors, 1)
	}
}

// SetHealth sets the health of a component
func (m *Metrics) SetHealth(component string, healthy bool) {
	var value int64
	if healthy {
		value = 1
	}
	atomic.StoreInt64(lookup(m, m.health, component, newInt64), value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return snapshotInts(m, m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return snapshotInts(m, m.gauges)
}

func snapshotInts(m *Metrics, entries map[string]*int64) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := make(map[string]int64, len(entries))
	for name, v := range entries {
		values[name] = atomic.LoadInt64(v)
	}
	return values
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timers := make(map[string]TimerMetric, len(m.timers))
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalMs)

		var average float64
		if count > 0 {
			average = float64(total) / float64(count)
		}
		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   total,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&t.minMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxMs),
		}
	}
	return timers
}

// GetErrorRates returns all error rates
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rates := make(map[string]ErrorRateMetric, len(m.errorRates))
	for name, r := range m.errorRates {
		total := atomic.LoadInt64(&r.total)
		failed := atomic.LoadInt64(&r.errors)

		var pct float64
		if total > 0 {
			pct = float64(failed) / float64(total) * 100.0
		}
		rates[name] = ErrorRateMetric{Total: total, Errors: failed, ErrorRate: pct}
	}
	return rates
}

// GetHealthChecks returns component health
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]bool, len(m.health))
	for name, v := range m.health {
		checks[name] = atomic.LoadInt64(v) > 0
	}
	return checks
}

// GetUptimeSeconds returns the collector's uptime
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns everything in one document
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
