package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// StoreMutations counts local document store writes.
	StoreMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_store_mutations_total",
			Help: "Local document store mutations by collection and operation.",
		},
		[]string{"collection", "op"},
	)

	// StoreSubscriptions tracks live query registrations.
	StoreSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "carelink_store_subscriptions",
			Help: "Active live query subscriptions by collection.",
		},
		[]string{"collection"},
	)

	// SyncBatches counts replication batches by outcome.
	SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_sync_batches_total",
			Help: "Replication batches by collection, direction and result.",
		},
		[]string{"collection", "direction", "result"},
	)

	// SyncDocuments counts documents moved by replication.
	SyncDocuments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_sync_documents_total",
			Help: "Documents replicated by collection and direction.",
		},
		[]string{"collection", "direction"},
	)

	// SyncSessions tracks running replication sessions.
	SyncSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_sync_sessions",
		Help: "Running replication sessions.",
	})

	// DocDBWrites counts documents accepted or rejected by the document database.
	DocDBWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_docdb_writes_total",
			Help: "Document database bulk writes by database and result.",
		},
		[]string{"db", "result"},
	)
)

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			StoreMutations, StoreSubscriptions,
			SyncBatches, SyncDocuments, SyncSessions,
			DocDBWrites,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses document ids out of replication routes so that the
// path label keeps a bounded cardinality.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	prefix := ""
	if strings.HasPrefix(raw, "/api/couchdb/") {
		prefix = "/api/couchdb"
		raw = strings.TrimPrefix(raw, prefix)
	}
	if strings.HasPrefix(raw, "/v1/") || raw == "/metrics" || raw == "/healthz" || raw == "/readyz" {
		return prefix + raw
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch len(parts) {
	case 1:
		return prefix + "/:db"
	case 2:
		if strings.HasPrefix(parts[1], "_") {
			return prefix + "/:db/" + parts[1]
		}
		return prefix + "/:db/:id"
	default:
		return prefix + raw
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets long-poll handlers stream through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
