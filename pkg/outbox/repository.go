package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrRecordNotFound — запись outbox не найдена.
var ErrRecordNotFound = errors.New("запись outbox не найдена")

// Repository определяет методы работы с payment_outbox.
// Интерфейс для тестируемости (Dependency Inversion).
type Repository interface {
	// CreateInTx создаёт запись outbox внутри переданной транзакции БД.
	// Вызывается из merge статуса платежа: запись коммитится атомарно
	// с переходом статуса.
	CreateInTx(ctx context.Context, tx *gorm.DB, record *Record) error

	// GetUnprocessed возвращает неотправленные записи для публикации в Kafka.
	GetUnprocessed(ctx context.Context, limit int) ([]*Record, error)

	// MarkProcessed помечает запись как отправленную.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed увеличивает счётчик ошибок и сохраняет текст ошибки.
	MarkFailed(ctx context.Context, id string, err error) error

	// DeleteProcessedBefore удаляет отправленные записи старше указанного времени.
	// Возвращает количество удалённых записей.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// repository — GORM реализация Repository.
type repository struct {
	db *gorm.DB
}

// NewRepository создаёт новый репозиторий outbox.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// CreateInTx создаёт запись outbox внутри транзакции tx.
func (r *repository) CreateInTx(ctx context.Context, tx *gorm.DB, record *Record) error {
	model := ModelFromDomain(record)
	if err := tx.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	record.CreatedAt = model.CreatedAt
	return nil
}

// GetUnprocessed возвращает неотправленные записи, отсортированные по времени создания.
// Записи с большим retry_count обрабатываются позже (простой backoff).
func (r *repository) GetUnprocessed(ctx context.Context, limit int) ([]*Record, error) {
	var models []RecordModel

	if err := r.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("retry_count ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*Record, len(models))
	for i := range models {
		result[i] = models[i].ToDomain()
	}
	return result, nil
}

// MarkProcessed помечает запись как отправленную.
func (r *repository) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&RecordModel{}).
		Where("id = ?", id).
		Update("processed_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkFailed увеличивает счётчик ошибок и сохраняет текст ошибки.
func (r *repository) MarkFailed(ctx context.Context, id string, err error) error {
	errStr := err.Error()
	result := r.db.WithContext(ctx).Model(&RecordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errStr,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteProcessedBefore удаляет отправленные записи старше указанного времени.
// Удаляет пачками по 1000 для предотвращения длинных блокировок.
func (r *repository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ?", before).
		Limit(1000).
		Delete(&RecordModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
