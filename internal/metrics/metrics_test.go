package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersAreConcurrencySafe(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.IncrementCounter(SagaStarted)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1000), m.GetCounters()[SagaStarted])
}

func TestTimers(t *testing.T) {
	m := NewMetrics()
	m.RecordTimer(SagaStepDuration, 30)
	m.RecordTimer(SagaStepDuration, 10)
	m.RecordTimer(SagaStepDuration, 20)

	timer := m.GetTimers()[SagaStepDuration]
	require.Equal(t, int64(3), timer.Count)
	require.Equal(t, int64(60), timer.TotalTimeMs)
	require.Equal(t, int64(10), timer.MinTimeMs)
	require.Equal(t, int64(30), timer.MaxTimeMs)
	require.Equal(t, 20.0, timer.AverageTimeMs)
}

func TestErrorRatesAndHealth(t *testing.T) {
	m := NewMetrics()
	m.RecordSuccess(ProviderFetches)
	m.RecordSuccess(ProviderFetches)
	m.RecordSuccess(ProviderFetches)
	m.RecordError(ProviderFetches)

	rate := m.GetErrorRates()[ProviderFetches]
	require.Equal(t, int64(4), rate.Total)
	require.Equal(t, int64(1), rate.Errors)
	require.Equal(t, 25.0, rate.ErrorRate)

	m.SetHealth("database", true)
	m.SetHealth("redis", false)
	require.Equal(t, map[string]bool{"database": true, "redis": false}, m.GetHealthChecks())

	m.AddGauge(ActiveSagas, 2)
	m.AddGauge(ActiveSagas, -1)
	require.Equal(t, int64(1), m.GetGauges()[ActiveSagas])

	all := m.GetAllMetrics()
	require.Contains(t, all, "counters")
	require.Contains(t, all, "timers")
}
