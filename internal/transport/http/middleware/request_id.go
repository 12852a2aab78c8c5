package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/arklim/iam-twofactor/internal/infra/logger"
)

const (
	requestIDHeader = "X-Request-ID"
	// TraceIDHeader echoes the trace identifier back to the caller.
	TraceIDHeader = "X-Trace-ID"

	traceIDKey   = "trace_id"
	requestIDKey = "request_id"
)

// RequestID injects correlation identifiers into the request context and response headers.
// The trace id is taken from an active span when present, otherwise from the inbound header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}

		traceID := c.GetHeader(TraceIDHeader)
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		if traceID == "" {
			traceID = reqID
		}

		c.Set(requestIDKey, reqID)
		c.Set(traceIDKey, traceID)
		c.Header(requestIDHeader, reqID)
		c.Header(TraceIDHeader, traceID)
		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), reqID))

		c.Next()
	}
}

// GetTraceID returns the trace id set by RequestID.
func GetTraceID(c *gin.Context) string {
	return c.GetString(traceIDKey)
}

// GetRequestID returns the request id set by RequestID.
func GetRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	return logger.RequestIDFromContext(c.Request.Context())
}
