// Package domain содержит бизнес-сущности платёжного сервиса.
package domain

import (
	"errors"
	"fmt"
)

// Доменные ошибки платёжного сервиса.
var (
	// ErrTransactionNotFound — транзакция с таким payment_id не найдена.
	ErrTransactionNotFound = errors.New("транзакция не найдена")

	// ErrItemNotFound — товар не найден или снят с продажи.
	ErrItemNotFound = errors.New("товар не найден или недоступен")

	// ErrAlreadyPurchased — пользователь уже успешно оплатил этот товар.
	ErrAlreadyPurchased = errors.New("товар уже куплен")

	// ErrPurchaseConflict — конкурирующая транзакция уже достигла SUCCESS
	// для той же пары (user, item); проигравшая закрывается как CANCELLED.
	ErrPurchaseConflict = errors.New("конфликт покупки: товар уже оплачен другой транзакцией")

	// ErrDuplicatePaymentID — транзакция с таким payment_id уже существует.
	ErrDuplicatePaymentID = errors.New("транзакция с таким payment_id уже существует")

	// ErrValidation — отсутствуют или некорректны обязательные поля запроса.
	ErrValidation = errors.New("некорректные данные запроса")

	// ErrInvalidAmount — сумма платежа должна быть больше нуля.
	ErrInvalidAmount = errors.New("сумма платежа должна быть больше нуля")

	// ErrSignatureInvalid — подпись webhook уведомления не прошла проверку.
	// Возможная попытка подделки: отклоняется до любого обращения к данным.
	ErrSignatureInvalid = errors.New("невалидная подпись уведомления")

	// ErrSourceNotAllowed — IP источника webhook не входит в allowlist.
	ErrSourceNotAllowed = errors.New("источник уведомления не входит в allowlist")

	// ErrGatewayNotConfigured — не заданы учётные данные платёжного шлюза.
	ErrGatewayNotConfigured = errors.New("не настроены учётные данные платёжного шлюза")
)

// GatewayError — неуспешный HTTP ответ платёжного шлюза.
// Сохраняет статус и сообщение шлюза для проброса вызывающей стороне.
type GatewayError struct {
	HTTPStatus int    // HTTP статус ответа шлюза
	Message    string // Сообщение шлюза (если удалось извлечь)
}

// Error реализует интерфейс error.
func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ошибка платёжного шлюза: HTTP %d", e.HTTPStatus)
	}
	return fmt.Sprintf("ошибка платёжного шлюза: HTTP %d: %s", e.HTTPStatus, e.Message)
}

// IsGatewayError возвращает GatewayError из цепочки ошибок, если он там есть.
func IsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
