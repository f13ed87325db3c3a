// Package metrics exposes proxy activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/reqscope"
)

const namespace = "reqscope"

// Collector owns a registry with the proxy metrics and the default process
// and Go runtime collectors.
type Collector struct {
	registry *prometheus.Registry

	exchanges      *prometheus.CounterVec
	exchangeTime   *prometheus.HistogramVec
	errors         *prometheus.CounterVec
	cacheEvictions prometheus.Counter
	leafIssued     prometheus.Counter
	replays        *prometheus.CounterVec
	replayTime     prometheus.Histogram
}

func New() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Finalized exchanges by scheme and status class.",
		}, []string{"scheme", "class"}),
		exchangeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from request head to finalization.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scheme"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Connection and exchange failures by kind.",
		}, []string{"kind"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "header_cache_evictions_total",
			Help:      "Entries evicted from the header correlation cache.",
		}),
		leafIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leaf_certificates_issued_total",
			Help:      "Leaf certificates issued by the certificate authority.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Replayed requests by outcome.",
		}, []string{"outcome"}),
		replayTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Replay time from send to full body receipt.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, col := range []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		c.exchanges,
		c.exchangeTime,
		c.errors,
		c.cacheEvictions,
		c.leafIssued,
		c.replays,
		c.replayTime,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to p and returns the function detaching
// it again.
func (c *Collector) Attach(p *reqscope.Proxy) func() {
	offExchange := p.OnExchange(c.ObserveExchange)
	offError := p.OnError(func(_ *reqscope.Exchange, _ error, kind reqscope.ErrorKind) {
		c.ObserveError(kind)
	})

	return func() {
		offExchange()
		offError()
	}
}

func (c *Collector) ObserveExchange(ex *reqscope.Exchange) {
	c.exchanges.WithLabelValues(ex.Scheme, statusClass(ex)).Inc()
	c.exchangeTime.WithLabelValues(ex.Scheme).Observe(ex.Duration().Seconds())
}

func (c *Collector) ObserveError(kind reqscope.ErrorKind) {
	c.errors.WithLabelValues(kind.String()).Inc()
}

// WatchCache exports the size reported by sizeFn at scrape time.
func (c *Collector) WatchCache(sizeFn func() int) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "header_cache_entries",
		Help:      "Entries held by the header correlation cache.",
	}, func() float64 {
		return float64(sizeFn())
	}))
}

func (c *Collector) ObserveCacheEviction(_ string) {
	c.cacheEvictions.Inc()
}

func (c *Collector) ObserveLeafIssued() {
	c.leafIssued.Inc()
}

func (c *Collector) ObserveReplay(res reqscope.ReplayResponse) {
	if res.Failed() {
		c.replays.WithLabelValues("error").Inc()
		return
	}

	c.replays.WithLabelValues("ok").Inc()
	c.replayTime.Observe((time.Duration(res.TimeMillis) * time.Millisecond).Seconds())
}

func statusClass(ex *reqscope.Exchange) string {
	switch {
	case ex.Error != "" && ex.Status == 0:
		return "error"
	case ex.Status >= 100 && ex.Status < 600:
		return string('0'+rune(ex.Status/100)) + "xx"
	default:
		return "unknown"
	}
}
