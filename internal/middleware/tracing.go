package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"example.com/coursepay/pkg/logger"
)

// HTTP заголовки для трассировки.
const (
	HeaderTraceID   = "X-Trace-ID"
	HeaderRequestID = "X-Request-ID" // Алиас для Trace ID
)

// TracingMiddleware — middleware для сквозного trace_id.
// Генерирует новый ID если он отсутствует в запросе. ID кладётся
// в context и сопровождает запрос в логах, Kafka headers и outbox.
type TracingMiddleware struct{}

// NewTracingMiddleware создаёт новый middleware для трассировки.
func NewTracingMiddleware() *TracingMiddleware {
	return &TracingMiddleware{}
}

// Handle возвращает Gin handler function для middleware.
func (m *TracingMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Извлекаем или генерируем trace_id.
		// Приоритет: заголовок клиента → активный OTel span → новый UUID.
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = c.GetHeader(HeaderRequestID)
		}
		if traceID == "" {
			if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)

		// Возвращаем trace_id клиенту
		c.Header(HeaderTraceID, traceID)
		c.Set("trace_id", traceID)

		log := logger.FromContext(ctx)
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Msg("Входящий запрос")

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		logEvent := log.Info()
		if statusCode >= 400 {
			logEvent = log.Warn()
		}
		if statusCode >= 500 {
			logEvent = log.Error()
		}

		logEvent.
			Int("status", statusCode).
			Dur("duration", duration).
			Msg("Запрос завершён")
	}
}
