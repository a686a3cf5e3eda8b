package observability

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_requests_total",
			Help: "Total HTTP requests by endpoint and method.",
		},
		[]string{"endpoint", "method"},
	)
	CodesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_codes_issued_total",
			Help: "Pairing codes handed out, fresh vs reused.",
		},
		[]string{"kind"},
	)
	Completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_completions_total",
			Help: "Pairing completion attempts by result.",
		},
		[]string{"result"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_notifications_total",
			Help: "Display notifications, delivered vs missed.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, CodesIssued, Completions, Notifications)
}

func SetupObservability() (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer) {
	promExporter, err := otelprom.New()
	if err != nil {
		log.Fatalf("failed to create prometheus exporter: %v", err)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res := resource.NewSchemaless(attribute.String("service.name", "vizora-pairing"))
	tp := trace.NewTracerProvider(trace.WithResource(res))
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
	}
	promHandler = promhttp.Handler()
	tracer = otel.Tracer("vizora-pairing")
	return shutdown, promHandler, tracer
}

// MetricsAndTracingMiddleware counts requests per endpoint and wraps each in
// a span.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.URL.Path
			method := r.Method
			RequestCounter.WithLabelValues(endpoint, method).Inc()

			rw := &statusRecorder{ResponseWriter: w, status: 200}
			ctx, span := tracer.Start(r.Context(), method+" "+endpoint)
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", rw.status))
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
