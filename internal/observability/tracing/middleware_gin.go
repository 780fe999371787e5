package tracing

import (
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/stagecraft/internal/observability/context"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GinMiddleware instruments inbound HTTP requests. The second handler tags the
// server span with the request id assigned by the logging middleware.
func GinMiddleware(serviceName string) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		otelgin.Middleware(serviceName),
		func(c *gin.Context) {
			ctx := c.Request.Context()
			if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
				trace.SpanFromContext(ctx).SetAttributes(attribute.String("request_id", requestID))
			}
			c.Next()
		},
	}
}
