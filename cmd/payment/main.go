// Package main — точка входа платёжного сервиса.
// Сервис инициирует платежи через mobile money шлюз, принимает webhook
// уведомления о смене статуса и публикует события жизненного цикла
// платежа в Kafka через transactional outbox.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/coursepay/internal/gateway"
	"example.com/coursepay/internal/handler"
	"example.com/coursepay/internal/middleware"
	"example.com/coursepay/internal/repository"
	"example.com/coursepay/internal/service"
	"example.com/coursepay/pkg/circuitbreaker"
	"example.com/coursepay/pkg/config"
	dbpkg "example.com/coursepay/pkg/db"
	"example.com/coursepay/pkg/healthcheck"
	"example.com/coursepay/pkg/jwt"
	"example.com/coursepay/pkg/kafka"
	"example.com/coursepay/pkg/logger"
	"example.com/coursepay/pkg/metrics"
	"example.com/coursepay/pkg/outbox"
	"example.com/coursepay/pkg/tracing"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Ошибка загрузки конфигурации")
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.Logger()

	log.Info().
		Str("service", cfg.App.Name).
		Str("env", cfg.App.Env).
		Msg("Запуск платёжного сервиса")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "payment",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	// Подключаемся к MySQL
	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	// Подключаемся к Redis
	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	// Проверяем подключение к Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	cancel()
	log.Info().Msg("Подключение к Redis установлено")

	// ReadinessChecker для /readyz — проверяет MySQL и Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"payment",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Инициализация бизнес-логики ===

	txRepo := repository.NewTransactionRepository(db)
	itemRepo := repository.NewItemRepository(db)
	outboxRepo := outbox.NewRepository(db)

	// Клиент платёжного шлюза с circuit breaker
	breaker := circuitbreaker.New("payment-gateway")
	gwClient := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		ServiceKey:     cfg.Gateway.ServiceKey,
		ServiceSecret:  cfg.Gateway.ServiceSecret,
		Country:        cfg.Gateway.Country,
		Currency:       cfg.Gateway.Currency,
		NotifyURL:      cfg.Gateway.NotifyURL,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxRetries:     cfg.Gateway.MaxRetries,
	}, breaker)

	// Политика проверки подписи webhook уведомлений
	sigPolicy := gateway.SignaturePolicy{
		Secret:  cfg.Gateway.ServiceSecret,
		Enforce: cfg.Security.EnforceSignature,
	}
	if sigPolicy.Secret == "" {
		log.Warn().Msg("GATEWAY_SERVICE_SECRET не задан — проверка подписи webhook отключена")
	}

	paymentSvc := service.NewPaymentService(
		txRepo,
		itemRepo,
		outboxRepo,
		gwClient,
		sigPolicy,
		cfg.Security.IPAllowlist,
		rdb,
	)

	// Контекст для graceful shutdown фоновых воркеров
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// === Kafka: публикация событий через outbox ===

	var kafkaProducer *kafka.Producer
	var workerWg sync.WaitGroup

	kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
	}
	defer func() {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}()

	// Outbox Worker: читает payment_outbox → отправляет в Kafka (at-least-once)
	outboxWorker := outbox.NewWorker(outboxRepo, kafkaProducer, outbox.DefaultWorkerConfig())
	workerWg.Add(1)
	go func() {
		defer workerWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Паника в Outbox Worker")
			}
		}()
		outboxWorker.Run(workerCtx)
	}()
	log.Info().Msg("Outbox Worker запущен")

	// === Инициализация middleware ===

	tracingMW := middleware.NewTracingMiddleware()

	var rateLimitMW *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimitMW = middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			Redis:  rdb,
			Limit:  cfg.RateLimit.RequestsLimit,
			Window: cfg.RateLimit.Window,
		})
		log.Info().
			Int("limit", cfg.RateLimit.RequestsLimit).
			Dur("window", cfg.RateLimit.Window).
			Msg("Rate limiting включён")
	}

	// JWT валидация (токены выпускает auth сервис платформы)
	jwtValidator, err := jwt.NewValidator(jwt.Config{
		PublicKeyPath: cfg.JWT.PublicKeyPath,
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка загрузки публичного ключа JWT")
	}
	authMW := middleware.NewAuthMiddleware(jwtValidator)

	// === Настройка роутера ===

	router := handler.NewRouter(handler.RouterConfig{
		PaymentService: paymentSvc,
		AuthMW:         authMW,
		RateLimitMW:    rateLimitMW,
		TracingMW:      tracingMW,
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	// === HTTP сервер ===

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.HTTP.Addr()).
			Msg("HTTP сервер запущен")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Останавливаем приём запросов
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	// Останавливаем Outbox Worker — недоставленные записи дождутся рестарта
	workerCancel()
	workerWg.Wait()

	// Останавливаем Metrics Server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	// Останавливаем Tracing
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Платёжный сервис остановлен")
}
