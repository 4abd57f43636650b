package fetch

import "github.com/prometheus/client_golang/prometheus"

type schedulerMetricsProvider struct {
	slices        *prometheus.CounterVec
	retries       prometheus.Counter
	throttled     prometheus.Counter
	cacheHits     prometheus.Counter
	cached        prometheus.Counter
	sliceDuration prometheus.Histogram
}

func newSchedulerMetricsProvider(registry *prometheus.Registry) *schedulerMetricsProvider {
	if registry == nil {
		return nil
	}

	provider := &schedulerMetricsProvider{
		slices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_slices_total",
				Help: "Total number of history slices attempted by outcome",
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "Total number of slice retries after a retryable provider error",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_throttled_total",
			Help: "Total number of slices deferred because the channel rate window was full",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_hits_total",
			Help: "Total number of requests resumed from a cached task",
		}),
		cached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cached_total",
			Help: "Total number of tasks parked in the cache after exhausting retries",
		}),
		sliceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_slice_duration_seconds",
			Help:    "Duration of successful slice fetches",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		provider.slices,
		provider.retries,
		provider.throttled,
		provider.cacheHits,
		provider.cached,
		provider.sliceDuration,
	)

	return provider
}

func (p *schedulerMetricsProvider) IncrementSlice(result string) {
	if p != nil && p.slices != nil {
		p.slices.WithLabelValues(result).Inc()
	}
}

func (p *schedulerMetricsProvider) IncrementRetries() {
	if p != nil && p.retries != nil {
		p.retries.Inc()
	}
}

func (p *schedulerMetricsProvider) IncrementThrottled() {
	if p != nil && p.throttled != nil {
		p.throttled.Inc()
	}
}

func (p *schedulerMetricsProvider) IncrementCacheHits() {
	if p != nil && p.cacheHits != nil {
		p.cacheHits.Inc()
	}
}

func (p *schedulerMetricsProvider) IncrementCached() {
	if p != nil && p.cached != nil {
		p.cached.Inc()
	}
}

func (p *schedulerMetricsProvider) ObserveSliceDuration(seconds float64) {
	if p != nil && p.sliceDuration != nil {
		p.sliceDuration.Observe(seconds)
	}
}
