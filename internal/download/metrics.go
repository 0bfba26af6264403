package download

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusNamespace prefixes every metric exported by ocistash.
const PrometheusNamespace = "ocistash"

// Metrics are the download pipeline counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	TokenRefresh  prometheus.Counter
	SizeRejected  *prometheus.CounterVec
	SignatureHits *prometheus.CounterVec
	Duration      *prometheus.SummaryVec
}

// NewMetrics creates the download metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "requests_total",
			Help:      "Upstream HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Body bytes committed to the artifact store by content class.",
		}, []string{"class"}),
		TokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "token_refreshes_total",
			Help:      "Bearer tokens fetched from a token realm.",
		}),
		SizeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "size_rejections_total",
			Help:      "Bodies aborted for exceeding their size cap.",
		}, []string{"class"}),
		SignatureHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "signature_probes_total",
			Help:      "Signature probes by outcome.",
		}, []string{"outcome"}),
		Duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace: PrometheusNamespace,
			Subsystem: "download",
			Name:      "duration_seconds",
			Help:      "Duration of completed fetches in seconds.",
		}, []string{"class"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Bytes, m.TokenRefresh, m.SizeRejected, m.SignatureHits, m.Duration)
	}
	return m
}

func (m *Metrics) request(method string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, statusLabel(code)).Inc()
}

func (m *Metrics) committed(class ContentClass, n int64, start time.Time) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(class.String()).Add(float64(n))
	m.Duration.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) tokenRefreshed() {
	if m == nil {
		return
	}
	m.TokenRefresh.Inc()
}

func (m *Metrics) sizeRejected(class ContentClass) {
	if m == nil {
		return
	}
	m.SizeRejected.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) signatureProbe(found bool) {
	if m == nil {
		return
	}
	outcome := "absent"
	if found {
		outcome = "found"
	}
	m.SignatureHits.WithLabelValues(outcome).Inc()
}

func statusLabel(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code == 401:
		return "401"
	case code == 404:
		return "404"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
