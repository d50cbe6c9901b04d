package observability

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Status transitions committed, by source and target status.",
	}, []string{"from", "to"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "service",
		Name:      "operations_total",
		Help:      "Engine operations broken down by operation and result type.",
	}, []string{"operation", "result"})

	votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "voting",
		Name:      "votes_total",
		Help:      "Committee votes recorded, by committee and decision.",
	}, []string{"committee", "decision"})

	finalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "voting",
		Name:      "finalizations_total",
		Help:      "Committee decisions finalized, by outcome.",
	}, []string{"outcome"})

	auditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit entries that could not be written.",
	})

	trackerNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "tracker",
		Name:      "notifications_total",
		Help:      "Issue tracker notifications, by result (sent, failed, dropped).",
	}, []string{"result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "change_control",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route pattern, method and status code.",
	}, []string{"route", "method", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "change_control",
		Subsystem: "http",
		Name:      "latency_seconds",
		Help:      "Latency distribution of HTTP requests.",
		Buckets: []float64{
			0.001, 0.005, 0.01, 0.05,
			0.1, 0.25, 0.5, 1, 2.5, 5,
		},
	}, []string{"route", "method"})
)

// RecordTransition counts a committed status change
func RecordTransition(from, to string) {
	transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordOperation counts an engine operation; result is "ok" or an error type
func RecordOperation(operation, result string) {
	operationsTotal.WithLabelValues(operation, result).Inc()
}

// RecordVote counts a recorded committee vote
func RecordVote(committee string, approve bool) {
	decision := "reject"
	if approve {
		decision = "approve"
	}
	votesTotal.WithLabelValues(committee, decision).Inc()
}

// RecordFinalization counts a committee decision
func RecordFinalization(outcome string) {
	finalizationsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuditFailure counts an audit entry that was not written
func RecordAuditFailure() {
	auditFailuresTotal.Inc()
}

// RecordTrackerNotification counts an issue tracker notification attempt
func RecordTrackerNotification(result string) {
	trackerNotificationsTotal.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// InstrumentHTTP records request counts and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
