package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// httpMetrics instruments the lens API. Route labels come from routeLabel, so
// their cardinality is bounded by the registered patterns.
type httpMetrics struct {
	duration *prometheus.HistogramVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
	inFlight prometheus.Gauge
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	labels := []string{"method", "route", "status"}

	return &httpMetrics{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lens_selector",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving lens API requests.",
			// Cache hits answer in milliseconds; a cold load waits on git.
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 2, 10, 30, 120},
		}, labels),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_selector",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Lens API requests by route and status.",
		}, labels),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_selector",
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Lens API requests answered with a 4xx or 5xx status.",
		}, []string{"method", "route", "status_class"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lens_selector",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Lens API requests currently being served.",
		}),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *httpMetrics
)

// apiMetrics returns the instruments registered with the default registry.
func apiMetrics() *httpMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newHTTPMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *httpMetrics) observe(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.duration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.requests.WithLabelValues(method, route, code).Inc()

	if class := statusClass(status); class != "" {
		m.failures.WithLabelValues(method, route, class).Inc()
	}
}

// statusClass is empty for statuses that are not failures.
func statusClass(status int) string {
	switch status / 100 {
	case 5:
		return "server_error"
	case 4:
		return "client_error"
	}
	return ""
}

// routeLabel prefers the mux pattern that matched, so lens names never
// become label values.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		_, path, found := strings.Cut(r.Pattern, " ")
		if !found {
			return r.Pattern
		}
		return path
	}
	return collapsePath(r.URL.Path)
}

// maxRouteSegments bounds labels for paths no pattern matched.
const maxRouteSegments = 2

// collapsePath keeps the first maxRouteSegments segments of an unmatched path,
// replacing numbers with :id and long opaque values with :token.
func collapsePath(p string) string {
	p, _, _ = strings.Cut(p, "?")

	var b strings.Builder
	kept := 0
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		if kept == maxRouteSegments {
			b.WriteString("...")
			break
		}
		kept++

		switch {
		case len(seg) > 32:
			b.WriteString(":token")
		case strings.Trim(seg, "0123456789") == "":
			b.WriteString(":id")
		default:
			b.WriteString(seg)
		}
	}

	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
