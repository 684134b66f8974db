// Package service содержит бизнес-логику платёжного цикла.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/internal/gateway"
	"example.com/coursepay/internal/repository"
	"example.com/coursepay/pkg/kafka"
	"example.com/coursepay/pkg/logger"
	"example.com/coursepay/pkg/metrics"
	"example.com/coursepay/pkg/outbox"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// reconcileKeyPrefix — префикс ключей single-flight опроса шлюза в Redis.
	reconcileKeyPrefix = "payment:reconcile:"

	// reconcileThrottle — минимальный интервал между опросами шлюза
	// по одному paymentID. Конкурирующие запросы статуса в этом окне
	// получают состояние из БД без похода на шлюз.
	reconcileThrottle = 5 * time.Second
)

// Источники merge статуса (для метрик).
const (
	sourceWebhook = "webhook"
	sourcePoll    = "poll"
)

// Типы событий платёжного цикла.
const (
	EventPaymentSuccess   = "payment.success"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

// =============================================================================
// Интерфейсы зависимостей
// =============================================================================

// GatewayClient — интерфейс клиента платёжного шлюза.
// Позволяет замокать gateway.Client в unit-тестах (Dependency Inversion).
type GatewayClient interface {
	InitiatePayment(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
	CheckPayment(ctx context.Context, paymentID string) (*gateway.StatusResponse, error)
}

// =============================================================================
// Запросы и результаты
// =============================================================================

// InitiatePaymentRequest — запрос на инициацию платежа.
type InitiatePaymentRequest struct {
	UserID      string // ID покупателя
	ItemID      string // ID покупаемого товара
	PhoneNumber string // Номер телефона плательщика
	Operator    string // Мобильный оператор (опционально)
	FirstName   string
	LastName    string
	Email       string
}

// InitiatePaymentResult — результат инициации платежа.
// Channel* поля — инструкции для плательщика (USSD код оператора).
type InitiatePaymentResult struct {
	Transaction *domain.PaymentTransaction
	Channel     string
	ChannelName string
	ChannelUSSD string
	Message     string
}

// WebhookNotification — входящее webhook уведомление шлюза.
type WebhookNotification struct {
	Params     map[string]string // Плоские параметры уведомления
	Signature  string            // Значение поля sign
	SourceIP   string            // IP источника уведомления
	RawPayload []byte            // Сырое тело уведомления (для аудита)
}

// WebhookResult — результат обработки webhook уведомления.
type WebhookResult struct {
	// Applied — merge применился (транзакция перешла в терминальный статус).
	// false при идемпотентном повторе или промежуточном коде шлюза.
	Applied bool

	// Status — статус транзакции после обработки.
	Status domain.TransactionStatus
}

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// PaymentService — интерфейс бизнес-логики платёжного цикла.
type PaymentService interface {
	// InitiatePayment создаёт платёжную транзакцию и инициирует платёж
	// на шлюзе. Отклоняет повторную покупку уже оплаченного товара.
	InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*InitiatePaymentResult, error)

	// HandleWebhook обрабатывает webhook уведомление шлюза.
	// Идемпотентная операция: повтор уведомления для терминальной
	// транзакции — no-op без ошибки.
	HandleWebhook(ctx context.Context, n WebhookNotification) (*WebhookResult, error)

	// ReconcileStatus опрашивает шлюз и применяет актуальный статус.
	// Для терминальной транзакции шлюз не вызывается. Конкурирующие
	// опросы одного paymentID схлопываются через Redis single-flight.
	ReconcileStatus(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)

	// GetTransaction возвращает транзакцию по paymentID.
	GetTransaction(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// paymentService — реализация PaymentService.
type paymentService struct {
	txRepo     repository.TransactionRepository
	itemRepo   repository.ItemRepository
	outboxRepo outbox.Repository
	gw         GatewayClient
	sig        gateway.SignaturePolicy
	allowlist  map[string]struct{} // Пустая map — проверка IP выключена
	redis      *redis.Client       // nil — single-flight выключен (тесты)
}

// NewPaymentService создаёт новый сервис платёжного цикла.
func NewPaymentService(
	txRepo repository.TransactionRepository,
	itemRepo repository.ItemRepository,
	outboxRepo outbox.Repository,
	gw GatewayClient,
	sig gateway.SignaturePolicy,
	ipAllowlist []string,
	redisClient *redis.Client,
) PaymentService {
	allowlist := make(map[string]struct{}, len(ipAllowlist))
	for _, ip := range ipAllowlist {
		if ip != "" {
			allowlist[ip] = struct{}{}
		}
	}

	return &paymentService{
		txRepo:     txRepo,
		itemRepo:   itemRepo,
		outboxRepo: outboxRepo,
		gw:         gw,
		sig:        sig,
		allowlist:  allowlist,
		redis:      redisClient,
	}
}

// =============================================================================
// Инициация платежа
// =============================================================================

// InitiatePayment создаёт транзакцию и инициирует платёж на шлюзе.
func (s *paymentService) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*InitiatePaymentResult, error) {
	log := logger.FromContext(ctx)

	// 1. Товар должен существовать и продаваться
	item, err := s.itemRepo.GetByID(ctx, req.ItemID)
	if err != nil {
		metrics.PaymentsInitiatedTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !item.Active {
		metrics.PaymentsInitiatedTotal.WithLabelValues("rejected").Inc()
		return nil, domain.ErrItemNotFound
	}

	// 2. Повторная покупка уже оплаченного товара отклоняется
	purchased, err := s.txRepo.HasSuccessful(ctx, req.UserID, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки покупок: %w", err)
	}
	if purchased {
		metrics.PaymentsInitiatedTotal.WithLabelValues("rejected").Inc()
		return nil, domain.ErrAlreadyPurchased
	}

	// 3. Токены идемпотентности — новые на каждую попытку
	itemRef := uuid.New().String()
	paymentRef := uuid.New().String()

	// 4. Инициируем платёж на шлюзе
	gwResp, err := s.gw.InitiatePayment(ctx, gateway.InitiateRequest{
		PhoneNumber: req.PhoneNumber,
		Amount:      item.Price,
		Currency:    item.Currency,
		Operator:    req.Operator,
		ItemRef:     itemRef,
		PaymentRef:  paymentRef,
		UserID:      req.UserID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
	})
	if err != nil {
		metrics.PaymentsInitiatedTotal.WithLabelValues("gateway_error").Inc()
		log.Warn().Err(err).Str("item_id", req.ItemID).Msg("Шлюз отклонил инициацию платежа")
		return nil, err
	}

	// 5. Сохраняем транзакцию в статусе PENDING
	tx := &domain.PaymentTransaction{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		ItemID:      req.ItemID,
		PaymentID:   gwResp.PaymentID,
		Amount:      item.Price,
		Currency:    item.Currency,
		PhoneNumber: req.PhoneNumber,
		Operator:    req.Operator,
		Status:      domain.StatusPending,
		ItemRef:     itemRef,
		PaymentRef:  paymentRef,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := tx.Validate(); err != nil {
		metrics.PaymentsInitiatedTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}

	if err := s.txRepo.Create(ctx, tx); err != nil {
		log.Error().Err(err).Str("payment_id", gwResp.PaymentID).Msg("Ошибка сохранения транзакции")
		return nil, fmt.Errorf("ошибка создания транзакции: %w", err)
	}

	metrics.PaymentsInitiatedTotal.WithLabelValues("created").Inc()

	log.Info().
		Str("payment_id", tx.PaymentID).
		Str("user_id", tx.UserID).
		Str("item_id", tx.ItemID).
		Int64("amount", tx.Amount).
		Msg("Платёжная транзакция создана")

	return &InitiatePaymentResult{
		Transaction: tx,
		Channel:     gwResp.Channel,
		ChannelName: gwResp.ChannelName,
		ChannelUSSD: gwResp.ChannelUSSD,
		Message:     gwResp.Message,
	}, nil
}

// =============================================================================
// Webhook уведомления
// =============================================================================

// HandleWebhook обрабатывает webhook уведомление шлюза.
// Порядок проверок фиксирован: источник, подпись — и только затем
// обращение к данным.
func (s *paymentService) HandleWebhook(ctx context.Context, n WebhookNotification) (*WebhookResult, error) {
	log := logger.FromContext(ctx)

	// 1. IP allowlist (если настроен)
	if len(s.allowlist) == 0 {
		log.Warn().Str("source_ip", n.SourceIP).Msg("IP allowlist для webhook не настроен — проверка источника пропущена")
	} else if _, ok := s.allowlist[n.SourceIP]; !ok {
		metrics.WebhookNotificationsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Str("source_ip", n.SourceIP).Msg("Webhook с неразрешённого IP отклонён")
		return nil, domain.ErrSourceNotAllowed
	}

	// 2. Подпись проверяется до любого чтения данных
	if err := s.sig.Verify(ctx, n.Params, n.Signature); err != nil {
		metrics.WebhookNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	paymentID := n.Params["paymentId"]
	if paymentID == "" {
		metrics.WebhookNotificationsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: отсутствует paymentId", domain.ErrValidation)
	}

	// 3. Транзакция должна существовать
	tx, err := s.txRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			metrics.WebhookNotificationsTotal.WithLabelValues("not_found").Inc()
			log.Warn().Str("payment_id", paymentID).Msg("Webhook для неизвестной транзакции")
		}
		return nil, err
	}

	// 4. Повтор для терминальной транзакции — идемпотентный no-op
	if tx.IsTerminal() {
		metrics.WebhookNotificationsTotal.WithLabelValues("replayed").Inc()
		log.Info().
			Str("payment_id", paymentID).
			Str("status", string(tx.Status)).
			Msg("Повторный webhook для терминальной транзакции")
		return &WebhookResult{Applied: false, Status: tx.Status}, nil
	}

	// 5. Применяем merge статуса
	upd := domain.NewStatusUpdate(n.Params["status"], n.RawPayload, time.Now())
	if upd.Status == domain.StatusPending {
		// Промежуточный код шлюза: транзакция остаётся PENDING, но
		// последний код и ответ сохраняются для аудита.
		if err := s.txRepo.RecordPendingStatus(ctx, paymentID, upd); err != nil {
			metrics.WebhookNotificationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("ошибка сохранения промежуточного статуса: %w", err)
		}
		log.Debug().
			Str("payment_id", paymentID).
			Str("gateway_code", upd.GatewayStatusCode).
			Msg("Промежуточный код статуса в webhook, транзакция остаётся PENDING")
		return &WebhookResult{Applied: false, Status: domain.StatusPending}, nil
	}

	applied, finalStatus, err := s.applyGatewayStatus(ctx, tx, upd, sourceWebhook)
	if err != nil {
		metrics.WebhookNotificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if applied {
		metrics.WebhookNotificationsTotal.WithLabelValues("applied").Inc()
	} else {
		metrics.WebhookNotificationsTotal.WithLabelValues("replayed").Inc()
	}

	return &WebhookResult{Applied: applied, Status: finalStatus}, nil
}

// =============================================================================
// Опрос шлюза (reconcile)
// =============================================================================

// ReconcileStatus опрашивает шлюз и применяет актуальный статус.
func (s *paymentService) ReconcileStatus(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	log := logger.FromContext(ctx)

	tx, err := s.txRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// Терминальная транзакция не меняется — шлюз не опрашиваем.
	if tx.IsTerminal() {
		return tx, nil
	}

	// Single-flight: конкурирующие опросы одного paymentID схлопываются.
	if !s.acquireReconcileSlot(ctx, paymentID) {
		log.Debug().Str("payment_id", paymentID).Msg("Опрос шлюза пропущен (single-flight)")
		return tx, nil
	}

	status, err := s.gw.CheckPayment(ctx, paymentID)
	if err != nil {
		log.Warn().Err(err).Str("payment_id", paymentID).Msg("Ошибка опроса шлюза")
		return nil, err
	}

	upd := domain.NewStatusUpdate(status.RawStatusCode, status.RawPayload, time.Now())
	if upd.Status == domain.StatusPending {
		// Платёж ещё обрабатывается: сохраняем последний код шлюза
		// и остаёмся в PENDING.
		if err := s.txRepo.RecordPendingStatus(ctx, paymentID, upd); err != nil {
			log.Warn().Err(err).Str("payment_id", paymentID).Msg("Ошибка сохранения промежуточного статуса")
			return tx, nil
		}
		return s.txRepo.GetByPaymentID(ctx, paymentID)
	}

	if _, _, err := s.applyGatewayStatus(ctx, tx, upd, sourcePoll); err != nil {
		return nil, err
	}

	// Возвращаем состояние после merge
	return s.txRepo.GetByPaymentID(ctx, paymentID)
}

// acquireReconcileSlot пытается занять слот опроса шлюза через Redis SETNX.
// При недоступном Redis опрос разрешается: терять актуальность статуса
// хуже, чем сделать лишний вызов шлюза.
func (s *paymentService) acquireReconcileSlot(ctx context.Context, paymentID string) bool {
	if s.redis == nil {
		return true
	}

	ok, err := s.redis.SetNX(ctx, reconcileKeyPrefix+paymentID, "1", reconcileThrottle).Result()
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Ошибка Redis при single-flight опроса")
		return true
	}
	return ok
}

// GetTransaction возвращает транзакцию по paymentID.
func (s *paymentService) GetTransaction(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	return s.txRepo.GetByPaymentID(ctx, paymentID)
}

// =============================================================================
// Merge статуса — общий путь для webhook и опроса
// =============================================================================

// applyGatewayStatus применяет терминальный статус шлюза к транзакции.
// Единственный путь мутации: оба источника (webhook и опрос) проходят
// через него. Побочные эффекты SUCCESS (инкремент счётчика покупок,
// событие в outbox) выполняются в той же транзакции БД, что и merge.
//
// При конфликте уникальности (конкурирующая транзакция уже достигла
// SUCCESS для той же пары user/item) проигравшая закрывается как
// CANCELLED — покупка не задваивается.
func (s *paymentService) applyGatewayStatus(ctx context.Context, tx *domain.PaymentTransaction, upd domain.StatusUpdate, source string) (bool, domain.TransactionStatus, error) {
	log := logger.FromContext(ctx)

	applied, err := s.txRepo.ApplyStatus(ctx, tx.PaymentID, upd, s.sideEffectFor(tx, upd))
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseConflict) {
			return s.resolveConflict(ctx, tx, upd, source)
		}
		log.Error().Err(err).
			Str("payment_id", tx.PaymentID).
			Str("source", source).
			Msg("Ошибка merge статуса")
		return false, tx.Status, err
	}

	metrics.StatusMergesTotal.WithLabelValues(source, string(upd.Status), fmt.Sprintf("%t", applied)).Inc()

	if !applied {
		// CAS не прошёл: другой путь обновления успел раньше.
		current, getErr := s.txRepo.GetByPaymentID(ctx, tx.PaymentID)
		if getErr != nil {
			return false, tx.Status, getErr
		}
		log.Info().
			Str("payment_id", tx.PaymentID).
			Str("source", source).
			Str("status", string(current.Status)).
			Msg("Merge статуса не применился: транзакция уже терминальна")
		return false, current.Status, nil
	}

	log.Info().
		Str("payment_id", tx.PaymentID).
		Str("source", source).
		Str("status", string(upd.Status)).
		Msg("Статус транзакции обновлён")

	return true, upd.Status, nil
}

// resolveConflict закрывает проигравшую конкуренцию транзакцию как CANCELLED.
func (s *paymentService) resolveConflict(ctx context.Context, tx *domain.PaymentTransaction, upd domain.StatusUpdate, source string) (bool, domain.TransactionStatus, error) {
	log := logger.FromContext(ctx)

	log.Warn().
		Str("payment_id", tx.PaymentID).
		Str("user_id", tx.UserID).
		Str("item_id", tx.ItemID).
		Str("source", source).
		Msg("Конфликт покупки: товар уже оплачен другой транзакцией, закрываем как CANCELLED")

	cancelUpd := domain.StatusUpdate{
		Status:            domain.StatusCancelled,
		GatewayStatusCode: upd.GatewayStatusCode,
		GatewayResponse:   upd.GatewayResponse,
	}

	applied, err := s.txRepo.ApplyStatus(ctx, tx.PaymentID, cancelUpd, s.sideEffectFor(tx, cancelUpd))
	if err != nil {
		return false, tx.Status, err
	}

	metrics.StatusMergesTotal.WithLabelValues(source, string(domain.StatusCancelled), fmt.Sprintf("%t", applied)).Inc()

	return applied, domain.StatusCancelled, nil
}

// sideEffectFor возвращает побочный эффект merge для нового статуса.
// SUCCESS: инкремент счётчика покупок товара + событие payment.success.
// FAILED/CANCELLED: только событие. Всё — в транзакции БД самого merge.
func (s *paymentService) sideEffectFor(tx *domain.PaymentTransaction, upd domain.StatusUpdate) repository.SideEffect {
	return func(ctx context.Context, dbTx *gorm.DB) error {
		if upd.Status == domain.StatusSuccess {
			if err := s.itemRepo.IncrementPurchases(ctx, dbTx, tx.ItemID); err != nil {
				return fmt.Errorf("ошибка инкремента покупок: %w", err)
			}
		}
		return s.enqueueEvent(ctx, dbTx, tx, upd)
	}
}

// enqueueEvent кладёт событие платёжного цикла в outbox (в транзакции merge).
func (s *paymentService) enqueueEvent(ctx context.Context, dbTx *gorm.DB, tx *domain.PaymentTransaction, upd domain.StatusUpdate) error {
	event := paymentEvent{
		PaymentID:   tx.PaymentID,
		UserID:      tx.UserID,
		ItemID:      tx.ItemID,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Status:      string(upd.Status),
		CompletedAt: upd.CompletedAt,
		OccurredAt:  time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	record := &outbox.Record{
		ID:        uuid.New().String(),
		PaymentID: tx.PaymentID,
		EventType: eventTypeFor(upd.Status),
		Topic:     kafka.TopicPaymentEvents,
		Payload:   payload,
		CreatedAt: time.Now(),
	}

	if traceID := kafka.TraceIDFromContext(ctx); traceID != "" {
		record.Headers = map[string]string{kafka.HeaderTraceID: traceID}
	}

	return s.outboxRepo.CreateInTx(ctx, dbTx, record)
}

// paymentEvent — payload события платёжного цикла в Kafka.
type paymentEvent struct {
	PaymentID   string     `json:"payment_id"`
	UserID      string     `json:"user_id"`
	ItemID      string     `json:"item_id"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// eventTypeFor возвращает тип события для терминального статуса.
func eventTypeFor(status domain.TransactionStatus) string {
	switch status {
	case domain.StatusSuccess:
		return EventPaymentSuccess
	case domain.StatusFailed:
		return EventPaymentFailed
	default:
		return EventPaymentCancelled
	}
}
