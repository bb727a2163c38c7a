package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	checkoutConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_conflicts_total",
			Help: "Checkout attempts that lost the completion race.",
		},
	)
	checkoutTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checkout_tx_timeouts_total",
			Help: "Checkout transactions aborted on their time budget.",
		},
	)
	uploadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "attachment_upload_failures_total",
			Help: "Attachment gateway upload failures.",
		},
	)
	distanceWarnings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "field_distance_warnings_total",
			Help: "Check-in/out events recorded beyond the distance threshold.",
		},
		[]string{"action"},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_events_appended_total",
			Help: "Events appended to the task event log.",
		},
		[]string{"action"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency,
		checkoutConflicts, checkoutTimeouts, uploadFailures,
		distanceWarnings, eventsAppended,
		kafkaConsumerLag, influxWriteFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncCheckoutConflict() {
	checkoutConflicts.Inc()
}

func IncCheckoutTimeout() {
	checkoutTimeouts.Inc()
}

func IncUploadFailure() {
	uploadFailures.Inc()
}

func IncDistanceWarning(action string) {
	distanceWarnings.WithLabelValues(action).Inc()
}

func IncEventAppended(action string) {
	eventsAppended.WithLabelValues(action).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
