// Package metrics предоставляет Prometheus метрики платёжного сервиса.
// Содержит базовые HTTP метрики (requests, latency), доменные метрики
// платёжного цикла и HTTP server для /metrics endpoint.
//
// Типы метрик в Prometheus:
//   - Counter: только растёт (запросы, ошибки) — "сколько всего произошло"
//   - Histogram: распределение значений (latency) — "как быстро работает"
//
// Использование:
//
//	go metrics.NewServer(":9090", "coursepay").Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/coursepay/pkg/logger"
)

// =============================================================================
// HTTP метрики
// =============================================================================

var (
	// RequestsTotal — счётчик всех запросов.
	// PromQL пример: rate(requests_total{service="coursepay"}[5m]) — RPS за 5 минут
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — гистограмма latency запросов.
	// PromQL пример: histogram_quantile(0.95, rate(request_duration_seconds_bucket[5m]))
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "request_duration_seconds",
			Help: "Время выполнения запроса в секундах",
			// Buckets оптимизированы для типичных API: от 5ms до 10s
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// Доменные метрики платёжного цикла
// =============================================================================

var (
	// PaymentsInitiatedTotal — счётчик инициированных платежей.
	PaymentsInitiatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_initiated_total",
			Help: "Количество инициированных платёжных транзакций по результату",
		},
		[]string{"result"}, // created / rejected / gateway_error
	)

	// WebhookNotificationsTotal — счётчик webhook уведомлений по результату обработки.
	// replayed — идемпотентный повтор, не ошибка.
	WebhookNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Количество webhook уведомлений по результату обработки",
		},
		[]string{"result"}, // applied / replayed / rejected / not_found / error
	)

	// StatusMergesTotal — счётчик применений merge статуса.
	// applied=false означает, что CAS не прошёл: транзакция уже терминальна.
	StatusMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_merges_total",
			Help: "Количество merge операций статуса по источнику и результату",
		},
		[]string{"source", "status", "applied"}, // source: webhook / poll
	)

	// GatewayRequestDuration — гистограмма latency вызовов платёжного шлюза.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "gateway_request_duration_seconds",
			Help: "Время вызова платёжного шлюза в секундах",
			// Шлюз внешний и медленный: buckets от 50ms до 30s
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"endpoint", "status"}, // endpoint: place_payment / check_payment
	)
)

// RecordGatewayRequest записывает метрики вызова платёжного шлюза.
func RecordGatewayRequest(endpoint, status string, duration time.Duration) {
	GatewayRequestDuration.WithLabelValues(endpoint, status).Observe(duration.Seconds())
}

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
// addr — адрес для прослушивания (например ":9090")
// service — имя сервиса для логирования
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// /metrics — endpoint для Prometheus
	mux.Handle("/metrics", promhttp.Handler())

	// /healthz — liveness probe для Kubernetes
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz — readiness probe для Kubernetes
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Детали ошибки наружу не выводим
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики запроса (вызывать в конце обработки).
// method — имя операции (например "InitiatePayment", "HandleWebhook")
// status — результат: "success" или "error"
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// =============================================================================
// Gin Middleware для HTTP метрик
// =============================================================================

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
// Записывает requests_total, request_duration_seconds для каждого запроса.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		// FullPath возвращает шаблон маршрута (/api/v1/payments/:paymentId),
		// а не конкретный URL — иначе кардинальность меток взорвётся.
		method := c.FullPath()
		if method == "" {
			method = "unknown"
		}

		RecordRequest(service, method, status, time.Since(start))
	}
}
