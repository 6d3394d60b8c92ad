package internal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const _namespace = "booktarr"

type cacheMetrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

func (m *cacheMetrics) hitInc(shard string)  { m.hits.WithLabelValues(shard).Inc() }
func (m *cacheMetrics) missInc(shard string) { m.misses.WithLabelValues(shard).Inc() }

type sourceMetrics struct {
	requests *prometheus.CounterVec
}

func (m *sourceMetrics) requestInc(source string) { m.requests.WithLabelValues(source).Inc() }

type enrichMetrics struct {
	duration *prometheus.HistogramVec
}

func (m *enrichMetrics) observe(outcome string, d time.Duration) {
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

type seriesMetrics struct {
	health     *prometheus.GaugeVec
	reconciles prometheus.Counter
}

func (m *seriesMetrics) observeHealth(series string, score int) {
	m.health.WithLabelValues(series).Set(float64(score))
}

func (m *seriesMetrics) reconcileInc() { m.reconciles.Inc() }

type importMetrics struct {
	rowsTotal *prometheus.CounterVec
}

func (m *importMetrics) rows(format string, c ImportCounters) {
	m.rowsTotal.WithLabelValues(format, "added").Add(float64(c.Added))
	m.rowsTotal.WithLabelValues(format, "updated").Add(float64(c.Updated))
	m.rowsTotal.WithLabelValues(format, "skipped").Add(float64(c.Skipped))
	m.rowsTotal.WithLabelValues(format, "duplicate").Add(float64(c.Duplicates))
}

// Metrics bundles every collector on a private registry so tests can build
// as many instances as they like.
type Metrics struct {
	reg *prometheus.Registry

	cache  *cacheMetrics
	source *sourceMetrics
	enrich *enrichMetrics
	series *seriesMetrics
	imp    *importMetrics

	httpDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cache: &cacheMetrics{
			hits: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: _namespace, Name: "cache_hits_total",
				Help: "Cache hits by shard.",
			}, []string{"shard"}),
			misses: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: _namespace, Name: "cache_misses_total",
				Help: "Cache misses by shard.",
			}, []string{"shard"}),
		},
		source: &sourceMetrics{
			requests: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: _namespace, Name: "source_requests_total",
				Help: "Upstream requests by source.",
			}, []string{"source"}),
		},
		enrich: &enrichMetrics{
			duration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: _namespace, Name: "enrich_duration_seconds",
				Help:    "Enrichment latency by outcome.",
				Buckets: prometheus.DefBuckets,
			}, []string{"outcome"}),
		},
		series: &seriesMetrics{
			health: factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: _namespace, Name: "series_health_score",
				Help: "Last computed health score by series.",
			}, []string{"series"}),
			reconciles: factory.NewCounter(prometheus.CounterOpts{
				Namespace: _namespace, Name: "series_reconciles_total",
				Help: "Completed series reconciliations.",
			}),
		},
		imp: &importMetrics{
			rowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: _namespace, Name: "import_rows_total",
				Help: "Import rows by format and disposition.",
			}, []string{"format", "disposition"}),
		},
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: _namespace, Name: "http_request_duration_seconds",
			Help:    "Request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Cache() *cacheMetrics   { return m.cache }
func (m *Metrics) Source() *sourceMetrics { return m.source }
func (m *Metrics) Enrich() *enrichMetrics { return m.enrich }
func (m *Metrics) Series() *seriesMetrics { return m.series }
func (m *Metrics) Import() *importMetrics { return m.imp }

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// instrument records request latency per chi route pattern.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpDuration.WithLabelValues(
			r.Method, route, strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}

// counterValue reads a counter's current value, for tests.
func counterValue(c prometheus.Metric) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}
