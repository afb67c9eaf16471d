package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// EnrollmentChanges counts mutations of the client-program association,
	// labeled enroll, remove or replace.
	EnrollmentChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrollment_changes_total",
			Help: "Total client-program enrollment mutations",
		},
		[]string{"action"},
	)
)

func Init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(EnrollmentChanges)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
