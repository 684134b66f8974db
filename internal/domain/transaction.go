// Package domain содержит бизнес-сущности платёжного сервиса.
package domain

import (
	"errors"
	"time"
)

// TransactionStatus — канонический статус платёжной транзакции.
type TransactionStatus string

const (
	// StatusPending — транзакция создана, ожидаем результат от шлюза.
	// Единственное нетерминальное состояние.
	StatusPending TransactionStatus = "PENDING"

	// StatusSuccess — платёж подтверждён шлюзом.
	StatusSuccess TransactionStatus = "SUCCESS"

	// StatusFailed — платёж не прошёл (недостаточно средств, ошибка оператора).
	StatusFailed TransactionStatus = "FAILED"

	// StatusCancelled — платёж отменён плательщиком или шлюзом.
	StatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
// Терминальная транзакция никогда больше не меняется — ни webhook,
// ни опрос шлюза не могут перевести её в другое состояние.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// =============================================================================
// Маппинг статусов шлюза (StatusMapper)
// =============================================================================

// Коды статусов платёжного шлюза.
// Шлюз присылает числовой код в поле transaction.status.
const (
	GatewayCodeSuccess   = "1"
	GatewayCodeFailed    = "0"
	GatewayCodeCancelled = "-1"
)

// StatusFromGatewayCode преобразует сырой код шлюза в канонический статус.
// Неизвестные коды трактуются как PENDING: шлюз присылает промежуточные
// коды во время обработки, и мы не должны падать на новых значениях.
// Чистая тотальная функция, ошибок не возвращает.
func StatusFromGatewayCode(raw string) TransactionStatus {
	switch raw {
	case GatewayCodeSuccess:
		return StatusSuccess
	case GatewayCodeFailed:
		return StatusFailed
	case GatewayCodeCancelled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

// =============================================================================
// PaymentTransaction — доменная сущность
// =============================================================================

// PaymentTransaction — одна попытка оплаты одного товара.
// Создаётся инициатором в статусе PENDING, мутируется только через
// атомарный merge статуса (webhook или опрос шлюза), никогда не удаляется.
type PaymentTransaction struct {
	ID                string            // UUID транзакции
	UserID            string            // ID покупателя
	ItemID            string            // ID покупаемого товара (ebook)
	PaymentID         string            // Внешний идентификатор шлюза, уникален
	Amount            int64             // Сумма в минимальных единицах валюты
	Currency          string            // ISO 4217 код валюты
	PhoneNumber       string            // Номер телефона плательщика
	Operator          string            // Мобильный оператор (опционально)
	Status            TransactionStatus // Текущий статус
	GatewayStatusCode string            // Последний сырой код шлюза (для аудита)
	GatewayResponse   []byte            // Последний сырой payload шлюза (для аудита)
	ItemRef           string            // Токен идемпотентности, генерируется на попытку
	PaymentRef        string            // Токен идемпотентности, генерируется на попытку
	CompletedAt       *time.Time        // Устанавливается ровно один раз при SUCCESS
	CreatedAt         time.Time         // Дата создания
	UpdatedAt         time.Time         // Дата обновления
}

// IsTerminal возвращает true, если транзакция в финальном состоянии.
func (t *PaymentTransaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Validate проверяет корректность полей перед созданием.
func (t *PaymentTransaction) Validate() error {
	if t.UserID == "" {
		return errors.New("user_id обязателен")
	}
	if t.ItemID == "" {
		return errors.New("item_id обязателен")
	}
	if t.PaymentID == "" {
		return errors.New("payment_id обязателен")
	}
	if t.PhoneNumber == "" {
		return ErrValidation
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if t.Currency == "" {
		return errors.New("currency обязательна")
	}
	return nil
}

// =============================================================================
// StatusUpdate — результат merge статуса
// =============================================================================

// StatusUpdate описывает применение ответа шлюза к транзакции.
// Общая структура для обоих путей обновления (webhook и опрос):
// оба обязаны проходить через одну и ту же функцию применения.
type StatusUpdate struct {
	Status            TransactionStatus // Новый канонический статус
	GatewayStatusCode string            // Сырой код шлюза
	GatewayResponse   []byte            // Сырой payload шлюза
	CompletedAt       *time.Time        // Не nil только при переходе в SUCCESS
}

// NewStatusUpdate строит StatusUpdate из сырого ответа шлюза.
// CompletedAt устанавливается только при переходе в SUCCESS — инвариант
// "completed_at непусто тогда и только тогда, когда статус SUCCESS".
func NewStatusUpdate(rawCode string, rawPayload []byte, now time.Time) StatusUpdate {
	upd := StatusUpdate{
		Status:            StatusFromGatewayCode(rawCode),
		GatewayStatusCode: rawCode,
		GatewayResponse:   rawPayload,
	}
	if upd.Status == StatusSuccess {
		upd.CompletedAt = &now
	}
	return upd
}
