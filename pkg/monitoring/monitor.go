package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	RoundsPrepared = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listening_rounds_prepared_total",
			Help: "Rounds moved from queued to pending",
		},
		[]string{"play_mode", "prompt_type", "source"},
	)

	AttemptsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listening_attempts_scored_total",
			Help: "Accepted attempts by play mode and correctness",
		},
		[]string{"play_mode", "correct"},
	)

	ExternalCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listening_external_call_duration_seconds",
			Help:    "Latency of LLM, TTS and blob store calls",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"adapter", "operation", "outcome"},
	)

	PrefetchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listening_prefetch_round_failures_total",
			Help: "Round preparations that failed inside the prefetch worker",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RoundsPrepared)
	prometheus.MustRegister(AttemptsScored)
	prometheus.MustRegister(ExternalCallDuration)
	prometheus.MustRegister(PrefetchFailures)
}

// ObserveExternal 记录外部调用耗时，用法：defer monitoring.ObserveExternal("llm", "generate", time.Now(), &err)
func ObserveExternal(adapter, operation string, start time.Time, errp *error) {
	outcome := "ok"
	if errp != nil && *errp != nil {
		outcome = "error"
	}
	ExternalCallDuration.WithLabelValues(adapter, operation, outcome).Observe(time.Since(start).Seconds())
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
