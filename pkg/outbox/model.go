package outbox

import "time"

// RecordModel — GORM модель для таблицы payment_outbox.
type RecordModel struct {
	ID          string     `gorm:"column:id;type:varchar(36);primaryKey"`
	PaymentID   string     `gorm:"column:payment_id;type:varchar(64);not null;index"`
	EventType   string     `gorm:"column:event_type;type:varchar(100);not null"`
	Topic       string     `gorm:"column:topic;type:varchar(100);not null"`
	Payload     []byte     `gorm:"column:payload;type:json;not null"`
	Headers     []byte     `gorm:"column:headers;type:json"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	ProcessedAt *time.Time `gorm:"column:processed_at;index:idx_outbox_unprocessed"`
	RetryCount  int        `gorm:"column:retry_count;not null;default:0"`
	LastError   *string    `gorm:"column:last_error;type:text"`
}

// TableName возвращает имя таблицы в БД.
func (RecordModel) TableName() string {
	return "payment_outbox"
}

// ToDomain конвертирует GORM модель в доменную сущность.
func (m *RecordModel) ToDomain() *Record {
	r := &Record{
		ID:          m.ID,
		PaymentID:   m.PaymentID,
		EventType:   m.EventType,
		Topic:       m.Topic,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
		ProcessedAt: m.ProcessedAt,
		RetryCount:  m.RetryCount,
		LastError:   m.LastError,
	}

	if len(m.Headers) > 0 {
		_ = r.SetHeadersFromJSON(m.Headers)
	}

	return r
}

// ModelFromDomain конвертирует доменную сущность в GORM модель.
func ModelFromDomain(r *Record) *RecordModel {
	model := &RecordModel{
		ID:          r.ID,
		PaymentID:   r.PaymentID,
		EventType:   r.EventType,
		Topic:       r.Topic,
		Payload:     r.Payload,
		CreatedAt:   r.CreatedAt,
		ProcessedAt: r.ProcessedAt,
		RetryCount:  r.RetryCount,
		LastError:   r.LastError,
	}

	if r.Headers != nil {
		if data, err := r.HeadersJSON(); err == nil {
			model.Headers = data
		}
	}

	return model
}
