package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the relay process.
type Metrics struct {
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	sessionsCreatedTotal    prometheus.Counter
	offersStoredTotal       prometheus.Counter
	answersStoredTotal      prometheus.Counter
	candidatesAppendedTotal *prometheus.CounterVec
	statusWritesTotal       *prometheus.CounterVec

	webhooksTotal *prometheus.CounterVec
}

// knownStatuses bounds the status label; free-form annotations collapse to "other".
var knownStatuses = map[string]bool{
	"pending":     true,
	"calling":     true,
	"in_progress": true,
	"ended":       true,
}

// New creates and registers all collectors on reg.
func New(serviceName string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Current number of HTTP requests being processed",
			ConstLabels: constLabels,
		}),
		sessionsCreatedTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "call_sessions_created_total",
			Help:        "Total number of call sessions created",
			ConstLabels: constLabels,
		}),
		offersStoredTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "call_session_offers_total",
			Help:        "Total number of offers stored",
			ConstLabels: constLabels,
		}),
		answersStoredTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "call_session_answers_total",
			Help:        "Total number of answers stored",
			ConstLabels: constLabels,
		}),
		candidatesAppendedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_session_candidates_total",
			Help:        "Total number of connectivity candidates appended",
			ConstLabels: constLabels,
		}, []string{"role"}),
		statusWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "call_session_status_writes_total",
			Help:        "Total number of status writes",
			ConstLabels: constLabels,
		}, []string{"status"}),
		webhooksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "telephony_webhooks_total",
			Help:        "Total number of telephony webhooks received",
			ConstLabels: constLabels,
		}, []string{"hook"}),
	}
}

func (m *Metrics) SessionCreated() { m.sessionsCreatedTotal.Inc() }
func (m *Metrics) OfferStored()    { m.offersStoredTotal.Inc() }
func (m *Metrics) AnswerStored()   { m.answersStoredTotal.Inc() }

func (m *Metrics) CandidateAppended(role string) {
	m.candidatesAppendedTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) StatusWritten(status string) {
	if !knownStatuses[status] {
		status = "other"
	}
	m.statusWritesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) WebhookReceived(hook string) {
	m.webhooksTotal.WithLabelValues(hook).Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// Middleware returns the Gin middleware that records HTTP metrics.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

// Handler serves the /metrics endpoint for g.
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
