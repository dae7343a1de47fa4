// Package metrics instruments the daemon with Prometheus counters, gauges
// and histograms. All methods are nil-receiver safe so components can run
// without metrics wired (tests, stripped-down deployments).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	offsetUpdates      *prometheus.CounterVec
	commandsSent       prometheus.Counter
	commandsSuppressed *prometheus.CounterVec
	forecastFetches    *prometheus.CounterVec
	driftEvents        *prometheus.CounterVec

	currentOffset    *prometheus.GaugeVec
	predictiveOffset *prometheus.GaugeVec
	learnedTau       *prometheus.GaugeVec
	patternCount     prometheus.Gauge
	seasonalAccuracy prometheus.Gauge

	pipelineDuration prometheus.Histogram

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// NewMetrics builds and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		offsetUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclimate_offset_updates_total",
			Help: "Total offset pipeline runs by adjustment source.",
		}, []string{"source"}),
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartclimate_commands_sent_total",
			Help: "Total setpoint commands dispatched to Home Assistant.",
		}),
		commandsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclimate_commands_suppressed_total",
			Help: "Total computed adjustments withheld, by reason.",
		}, []string{"reason"}),
		forecastFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclimate_forecast_fetches_total",
			Help: "Total weather forecast fetch attempts by result.",
		}, []string{"result"}),
		driftEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclimate_drift_events_analyzed_total",
			Help: "Total natural drift events analyzed by outcome.",
		}, []string{"outcome"}),
		currentOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartclimate_current_offset_celsius",
			Help: "Last applied reactive offset per entity.",
		}, []string{"entity"}),
		predictiveOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartclimate_predictive_offset_celsius",
			Help: "Current predictive offset per entity.",
		}, []string{"entity"}),
		learnedTau: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smartclimate_learned_tau_seconds",
			Help: "Learned thermal time constant per entity.",
		}, []string{"entity"}),
		patternCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartclimate_seasonal_pattern_count",
			Help: "Hysteresis patterns currently stored.",
		}),
		seasonalAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartclimate_seasonal_accuracy_percent",
			Help: "Seasonal learner accuracy score, 0-100.",
		}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smartclimate_pipeline_duration_seconds",
			Help:    "Histogram of offset pipeline run durations.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclimate_http_requests_total",
			Help: "Total status API requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartclimate_http_request_duration_seconds",
			Help:    "Histogram of status API request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	prometheus.MustRegister(
		m.offsetUpdates,
		m.commandsSent,
		m.commandsSuppressed,
		m.forecastFetches,
		m.driftEvents,
		m.currentOffset,
		m.predictiveOffset,
		m.learnedTau,
		m.patternCount,
		m.seasonalAccuracy,
		m.pipelineDuration,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) OffsetUpdate(source string) {
	if m == nil {
		return
	}
	m.offsetUpdates.WithLabelValues(source).Inc()
}

func (m *Metrics) CommandSent() {
	if m == nil {
		return
	}
	m.commandsSent.Inc()
}

func (m *Metrics) CommandSuppressed(reason string) {
	if m == nil {
		return
	}
	m.commandsSuppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ForecastFetch(result string) {
	if m == nil {
		return
	}
	m.forecastFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) DriftEventAnalyzed(outcome string) {
	if m == nil {
		return
	}
	m.driftEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCurrentOffset(entity string, v float64) {
	if m == nil {
		return
	}
	m.currentOffset.WithLabelValues(entity).Set(v)
}

func (m *Metrics) SetPredictiveOffset(entity string, v float64) {
	if m == nil {
		return
	}
	m.predictiveOffset.WithLabelValues(entity).Set(v)
}

func (m *Metrics) SetLearnedTau(entity string, v float64) {
	if m == nil {
		return
	}
	m.learnedTau.WithLabelValues(entity).Set(v)
}

func (m *Metrics) SetSeasonalPatternCount(n int) {
	if m == nil {
		return
	}
	m.patternCount.Set(float64(n))
}

func (m *Metrics) SetSeasonalAccuracy(v float64) {
	if m == nil {
		return
	}
	m.seasonalAccuracy.Set(v)
}

func (m *Metrics) ObservePipelineDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDuration.Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for one API route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
