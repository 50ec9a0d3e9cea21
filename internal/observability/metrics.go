package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_http_requests_total",
			Help: "Total number of HTTP requests processed by the room service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "room_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcClientHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_grpc_client_handled_total",
			Help: "Total number of gRPC calls made to the chat API.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "room_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_ws_events_total",
			Help: "Total number of session events pushed over websockets.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "room_sessions_active",
			Help: "Number of mounted room sessions.",
		},
	)
	headerRebuildsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_header_rebuilds_total",
			Help: "Total number of header rebuilds pushed to sessions.",
		},
	)
	jumpOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_jump_outcomes_total",
			Help: "Total number of resolved jump requests by outcome.",
		},
		[]string{"kind"},
	)
	jumpTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_jump_timeouts_total",
			Help: "Total number of scrolls cancelled by the jump deadline.",
		},
	)
	activationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_activation_total",
			Help: "Total number of session activation attempts by result.",
		},
		[]string{"result"},
	)
	lookupFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "room_lookup_failures_total",
			Help: "Total number of failed local room lookups.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcClientHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		sessionsActive,
		headerRebuildsTotal,
		jumpOutcomesTotal,
		jumpTimeoutsTotal,
		activationTotal,
		lookupFailuresTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCClientMetricsUnaryInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		statusInfo := status.Convert(err)
		service, name := splitFullMethod(method)
		grpcClientHandledTotal.WithLabelValues(service, name, statusInfo.Code().String()).Inc()
		return err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncSessions() {
	sessionsActive.Inc()
}

func DecSessions() {
	sessionsActive.Dec()
}

func IncHeaderRebuild() {
	headerRebuildsTotal.Inc()
}

func IncJumpOutcome(kind string) {
	jumpOutcomesTotal.WithLabelValues(kind).Inc()
}

func IncJumpTimeout() {
	jumpTimeoutsTotal.Inc()
}

func IncActivation(result string) {
	activationTotal.WithLabelValues(result).Inc()
}

func IncLookupFailure() {
	lookupFailuresTotal.Inc()
}
