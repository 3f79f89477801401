// Package middleware wraps the local control API with tracing, metrics and
// request logging.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chatsync/internal/metrics"
	"chatsync/internal/tracing"
)

// Observability tags each request with an operation id and an OpenTelemetry
// span, records its latency and logs its completion.
func Observability(logger *logrus.Logger, reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "control_request",
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			)
			defer span.End()
			ctx = tracing.WithOperation(ctx, r.Method+" "+route)
			if traceID := tracing.GetOtelTraceID(ctx); traceID != "" {
				ctx = tracing.WithTraceID(ctx, traceID)
			}

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r.WithContext(ctx))

			duration := tracing.Duration(ctx)
			status := strconv.Itoa(wrapper.statusCode)

			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}

			reg.RecordTimer(metrics.StatusRequestDuration, duration, map[string]string{
				"method": r.Method,
				"route":  route,
				"status": status,
			}, "Local control API latency")

			level := logrus.DebugLevel
			if wrapper.statusCode >= 500 {
				level = logrus.WarnLevel
			}
			logger.WithFields(tracing.Fields(ctx)).WithFields(logrus.Fields{
				"status":      wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
				"size":        wrapper.responseSize,
			}).Log(level, "Control request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// responseWrapper captures the status code and body size.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}
