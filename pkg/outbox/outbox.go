// Package outbox реализует Outbox Pattern для гарантированной доставки
// событий платёжного цикла в Kafka. Запись outbox вставляется в той же
// транзакции БД, что и merge статуса платежа: событие существует тогда
// и только тогда, когда закоммитился сам переход статуса. Отдельный
// Worker читает outbox и отправляет события в Kafka (at-least-once).
package outbox

import (
	"encoding/json"
	"time"
)

// Record — запись в таблице payment_outbox.
type Record struct {
	ID          string            // UUID записи
	PaymentID   string            // payment_id транзакции (ключ партиционирования)
	EventType   string            // Тип события (payment.success / payment.failed / payment.cancelled)
	Topic       string            // Kafka топик
	Payload     []byte            // JSON payload события
	Headers     map[string]string // Headers для Kafka (trace_id)
	CreatedAt   time.Time         // Время создания
	ProcessedAt *time.Time        // Время отправки (nil = не отправлена)
	RetryCount  int               // Количество попыток отправки
	LastError   *string           // Последняя ошибка
}

// HeadersJSON возвращает headers в формате JSON для БД.
func (r *Record) HeadersJSON() ([]byte, error) {
	if r.Headers == nil {
		return nil, nil
	}
	return json.Marshal(r.Headers)
}

// SetHeadersFromJSON устанавливает headers из JSON.
func (r *Record) SetHeadersFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &r.Headers)
}
