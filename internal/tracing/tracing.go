package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey represents keys used for context values
type ContextKey string

const (
	OperationIDKey   ContextKey = "operation_id"
	OperationNameKey ContextKey = "operation"
	TraceIDKey       ContextKey = "trace_id"
	StartTimeKey     ContextKey = "start_time"
)

// GenerateOperationID generates a unique operation ID
func GenerateOperationID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("op_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("op_%s", hex.EncodeToString(bytes))
}

// WithOperation tags ctx with an operation name, a fresh id and a start time.
func WithOperation(ctx context.Context, name string) context.Context {
	ctx = context.WithValue(ctx, OperationNameKey, name)
	ctx = context.WithValue(ctx, OperationIDKey, GenerateOperationID())
	return context.WithValue(ctx, StartTimeKey, time.Now())
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetOperationID(ctx context.Context) string {
	id, _ := ctx.Value(OperationIDKey).(string)
	return id
}

func GetOperationName(ctx context.Context) string {
	name, _ := ctx.Value(OperationNameKey).(string)
	return name
}

func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey).(string)
	return id
}

// Duration calculates the duration since the start time in context
func Duration(ctx context.Context) time.Duration {
	start, ok := ctx.Value(StartTimeKey).(time.Time)
	if !ok || start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// Fields returns the log fields carried by ctx.
func Fields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if id := GetOperationID(ctx); id != "" {
		fields["operation_id"] = id
	}
	if name := GetOperationName(ctx); name != "" {
		fields["operation"] = name
	}
	if id := GetTraceID(ctx); id != "" {
		fields["trace_id"] = id
	}
	return fields
}
