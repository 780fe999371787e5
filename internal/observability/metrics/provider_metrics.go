package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ProviderOutcomeSuccess = "success"
	ProviderOutcomeError   = "error"
	ProviderOutcomeTimeout = "timeout"
)

// ProviderMetrics captures staging provider health: call latency, errors and
// the number of jobs each provider is currently holding.
type ProviderMetrics struct {
	callDuration *prometheus.HistogramVec
	callTotal    *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
	noCapacity   prometheus.Counter
	pollDuration *prometheus.HistogramVec
}

// NewProviderMetrics registers provider collectors on the default registerer.
func NewProviderMetrics(cfg Config) *ProviderMetrics {
	return newProviderMetrics(prometheus.DefaultRegisterer, cfg)
}

func newProviderMetrics(registerer prometheus.Registerer, cfg Config) *ProviderMetrics {
	constLabels := constLabelsFor(cfg)

	callDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "stagecraft_provider_call_duration_seconds",
		Help:        "Provider API call latency by operation.",
		Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"provider", "operation"})
	callTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "stagecraft_provider_calls_total",
		Help:        "Provider API calls by outcome.",
		ConstLabels: constLabels,
	}, []string{"provider", "operation", "outcome"})
	inflight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "stagecraft_provider_inflight_jobs",
		Help:        "Jobs currently assigned to a provider and not yet terminal.",
		ConstLabels: constLabels,
	}, []string{"provider"})
	noCapacity := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "stagecraft_provider_unavailable_total",
		Help:        "Selections that found no eligible provider.",
		ConstLabels: constLabels,
	})
	pollDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "stagecraft_provider_poll_duration_seconds",
		Help:        "Async status poll latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"provider"})

	return &ProviderMetrics{
		callDuration: registerCollector(registerer, callDuration),
		callTotal:    registerCollector(registerer, callTotal),
		inflight:     registerCollector(registerer, inflight),
		noCapacity:   registerCollector(registerer, noCapacity),
		pollDuration: registerCollector(registerer, pollDuration),
	}
}

// ObserveCall records a provider call and its outcome.
func (m *ProviderMetrics) ObserveCall(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	provider = strings.TrimSpace(provider)
	m.callDuration.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
	m.callTotal.WithLabelValues(provider, operation, outcome).Inc()
}

// ObservePoll records the latency of one status poll.
func (m *ProviderMetrics) ObservePoll(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.WithLabelValues(strings.TrimSpace(provider)).Observe(elapsed.Seconds())
}

// SetInflight publishes the current in-flight count for a provider.
func (m *ProviderMetrics) SetInflight(provider string, count int) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(strings.TrimSpace(provider)).Set(float64(count))
}

// IncNoProvider counts a selection that found nothing eligible.
func (m *ProviderMetrics) IncNoProvider() {
	if m == nil {
		return
	}
	m.noCapacity.Inc()
}
