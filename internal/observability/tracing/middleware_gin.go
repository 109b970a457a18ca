package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/finsight/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MiddlewareConfig controls which ops requests get a server span.
type MiddlewareConfig struct {
	// SkipPaths are served untraced, typically /health and /metrics.
	SkipPaths []string
}

// GinMiddleware opens a server span per ops request. User routes carry the
// user id into the span and the request context so the handler's logs and
// the scheduler spans it starts correlate with it.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("finsight/http")
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "ops "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if userID := strings.TrimSpace(c.Param("id")); userID != "" {
			ctx = obscontext.WithUserID(ctx, userID)
			span.SetAttributes(attribute.String("user_id", userID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		span.SetName("ops " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("finsight.ops.surface", opsSurface(route)),
			attribute.Int("http.status_code", status),
		)...)

		switch {
		case status == http.StatusServiceUnavailable:
			span.SetStatus(codes.Error, "unavailable")
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

// opsSurface groups routes by the component they drive.
func opsSurface(route string) string {
	switch {
	case strings.HasPrefix(route, "/internal/scheduler"):
		return "scheduler"
	case strings.HasSuffix(route, "/report-setting"):
		return "report_setting"
	case strings.HasSuffix(route, "/analytics"):
		return "analytics"
	case strings.HasPrefix(route, "/internal/report-dispatches"):
		return "journal"
	default:
		return "other"
	}
}
