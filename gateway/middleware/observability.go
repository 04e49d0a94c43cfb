package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ObservabilityConfig toggles the metrics/tracing layer.
type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability records request counts, durations, and rejection codes, and
// opens a span per request.
type Observability struct {
	cfg        ObservabilityConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	requests   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewObservability builds the layer with its own registry so tests can stand
// up isolated instances.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tradegate"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "tradegate"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests evaluated by the gateway.",
	}, []string{"route", "method", "status"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "rejections_total",
		Help:      "Requests rejected by the security pipeline, by status class.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registry.MustRegister(requests, rejections, durations)
	return &Observability{
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(cfg.ServiceName),
		requests:   requests,
		rejections: rejections,
		durations:  durations,
		registry:   registry,
	}
}

// Middleware instruments the handler chain under the given route label.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()

			status := strconv.Itoa(recorder.status)
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, status).Inc()
			if recorder.status >= http.StatusBadRequest {
				o.rejections.WithLabelValues(route, r.Method, status).Inc()
			}
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
			if o.cfg.LogRequests {
				o.logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration_ms", duration*1000,
				)
			}
		})
	}
}

// MetricsHandler exposes the registry for the /metrics endpoint.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
