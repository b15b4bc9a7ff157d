// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "englisheditor"

// Metrics implements ledger.Observer and records HTTP request durations.
type Metrics struct {
	debits          *prometheus.CounterVec
	debitRejections prometheus.Counter
	refunds         *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	txRetries       *prometheus.CounterVec
	generations     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debits_total",
			Help:      "Billable units debited, by credit class.",
		}, []string{"class"}),
		debitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debit_rejections_total",
			Help:      "Debits refused for insufficient credit.",
		}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Debits reversed, by credit class.",
		}, []string{"class"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redemptions_total",
			Help:      "Code redemption attempts, by code type and outcome.",
		}, []string{"type", "outcome"}),
		txRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Ledger transactions retried after a conflict, by operation.",
		}, []string{"op"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Text generation calls, by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration by route pattern and status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "status"}),
	}
	reg.MustRegister(m.debits, m.debitRejections, m.refunds, m.redemptions, m.txRetries, m.generations, m.requestDuration)
	return m
}

func (m *Metrics) Debit(class string)                  { m.debits.WithLabelValues(class).Inc() }
func (m *Metrics) DebitRejected()                      { m.debitRejections.Inc() }
func (m *Metrics) Refund(class string)                 { m.refunds.WithLabelValues(class).Inc() }
func (m *Metrics) Redemption(codeType, outcome string) { m.redemptions.WithLabelValues(codeType, outcome).Inc() }
func (m *Metrics) TxRetry(op string)                   { m.txRetries.WithLabelValues(op).Inc() }

// Generation records a text generation outcome ("ok", "error", "refunded").
func (m *Metrics) Generation(outcome string) { m.generations.WithLabelValues(outcome).Inc() }

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Middleware times each request. It must wrap the ServeMux directly so the
// matched pattern is visible on r after dispatch.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
