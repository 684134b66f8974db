// Package repository содержит реализацию доступа к данным платёжного сервиса.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/coursepay/internal/domain"
)

// SideEffect — побочный эффект, выполняемый в той же транзакции БД,
// что и merge статуса. Откатывается вместе с merge: эффект не может
// сработать, если merge не закоммитился.
type SideEffect func(ctx context.Context, tx *gorm.DB) error

// TransactionRepository определяет интерфейс для работы с платёжными транзакциями.
type TransactionRepository interface {
	// Create создаёт новую транзакцию.
	// Возвращает domain.ErrDuplicatePaymentID при коллизии payment_id.
	Create(ctx context.Context, tx *domain.PaymentTransaction) error

	// GetByPaymentID возвращает транзакцию по внешнему идентификатору шлюза.
	GetByPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)

	// HasSuccessful возвращает true, если у пары (user, item)
	// уже есть транзакция в статусе SUCCESS.
	HasSuccessful(ctx context.Context, userID, itemID string) (bool, error)

	// ApplyStatus атомарно применяет merge статуса: обновляет
	// status/gateway_status_code/gateway_response/completed_at только если
	// текущий статус всё ещё PENDING (compare-and-swap по терминальности).
	// Возвращает true, если обновление применилось; false — транзакция
	// уже терминальна или не существует. sideEffect выполняется в той же
	// транзакции БД и только при применившемся обновлении.
	// Возвращает domain.ErrPurchaseConflict, если переход в SUCCESS
	// нарушает уникальность (user, item, success).
	ApplyStatus(ctx context.Context, paymentID string, upd domain.StatusUpdate, sideEffect SideEffect) (bool, error)

	// RecordPendingStatus сохраняет последний сырой код и ответ шлюза
	// для транзакции, остающейся в PENDING. Guard по статусу тот же,
	// что и в ApplyStatus: терминальную транзакцию промежуточный код
	// не трогает (RowsAffected 0 — не ошибка).
	RecordPendingStatus(ctx context.Context, paymentID string, upd domain.StatusUpdate) error
}

// =============================================================================
// GORM модель
// =============================================================================

// successKeyValue — значение success_key для успешной транзакции.
// Колонка NULL у всех остальных статусов: MySQL не считает NULL
// дубликатом в уникальном индексе, поэтому UNIQUE(user_id, item_id,
// success_key) допускает сколько угодно PENDING/FAILED/CANCELLED,
// но не более одной SUCCESS на пару (user, item).
const successKeyValue uint8 = 1

// TransactionModel — GORM модель для таблицы payment_transactions.
type TransactionModel struct {
	ID                string     `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID            string     `gorm:"column:user_id;type:varchar(36);not null;index:idx_tx_user_item;uniqueIndex:uniq_user_item_success"`
	ItemID            string     `gorm:"column:item_id;type:varchar(36);not null;index:idx_tx_user_item;uniqueIndex:uniq_user_item_success"`
	PaymentID         string     `gorm:"column:payment_id;type:varchar(64);not null;uniqueIndex:uniq_payment_id"`
	Amount            int64      `gorm:"column:amount;not null"`
	Currency          string     `gorm:"column:currency;type:varchar(3);not null"`
	PhoneNumber       string     `gorm:"column:phone_number;type:varchar(20);not null"`
	Operator          string     `gorm:"column:operator;type:varchar(50)"`
	Status            string     `gorm:"column:status;type:varchar(20);not null;index"`
	GatewayStatusCode string     `gorm:"column:gateway_status_code;type:varchar(20)"`
	GatewayResponse   []byte     `gorm:"column:gateway_response;type:json"`
	ItemRef           string     `gorm:"column:item_ref;type:varchar(64);not null"`
	PaymentRef        string     `gorm:"column:payment_ref;type:varchar(64);not null"`
	SuccessKey        *uint8     `gorm:"column:success_key;uniqueIndex:uniq_user_item_success"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (TransactionModel) TableName() string {
	return "payment_transactions"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *TransactionModel) toDomain() *domain.PaymentTransaction {
	return &domain.PaymentTransaction{
		ID:                m.ID,
		UserID:            m.UserID,
		ItemID:            m.ItemID,
		PaymentID:         m.PaymentID,
		Amount:            m.Amount,
		Currency:          m.Currency,
		PhoneNumber:       m.PhoneNumber,
		Operator:          m.Operator,
		Status:            domain.TransactionStatus(m.Status),
		GatewayStatusCode: m.GatewayStatusCode,
		GatewayResponse:   m.GatewayResponse,
		ItemRef:           m.ItemRef,
		PaymentRef:        m.PaymentRef,
		CompletedAt:       m.CompletedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// modelFromDomain конвертирует доменную сущность в GORM модель.
func modelFromDomain(t *domain.PaymentTransaction) *TransactionModel {
	m := &TransactionModel{
		ID:                t.ID,
		UserID:            t.UserID,
		ItemID:            t.ItemID,
		PaymentID:         t.PaymentID,
		Amount:            t.Amount,
		Currency:          t.Currency,
		PhoneNumber:       t.PhoneNumber,
		Operator:          t.Operator,
		Status:            string(t.Status),
		GatewayStatusCode: t.GatewayStatusCode,
		GatewayResponse:   t.GatewayResponse,
		ItemRef:           t.ItemRef,
		PaymentRef:        t.PaymentRef,
		CompletedAt:       t.CompletedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if t.Status == domain.StatusSuccess {
		key := successKeyValue
		m.SuccessKey = &key
	}
	return m
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// transactionRepository — GORM реализация TransactionRepository.
type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository создаёт новый репозиторий платёжных транзакций.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

// Create создаёт новую транзакцию.
func (r *transactionRepository) Create(ctx context.Context, t *domain.PaymentTransaction) error {
	model := modelFromDomain(t)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicatePaymentID
		}
		return err
	}

	// Обновляем timestamps в доменной сущности
	t.CreatedAt = model.CreatedAt
	t.UpdatedAt = model.UpdatedAt

	return nil
}

// GetByPaymentID возвращает транзакцию по внешнему идентификатору шлюза.
func (r *transactionRepository) GetByPaymentID(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	var model TransactionModel

	if err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// HasSuccessful возвращает true при наличии SUCCESS транзакции у пары (user, item).
func (r *transactionRepository) HasSuccessful(ctx context.Context, userID, itemID string) (bool, error) {
	var count int64

	if err := r.db.WithContext(ctx).
		Model(&TransactionModel{}).
		Where("user_id = ? AND item_id = ? AND status = ?", userID, itemID, string(domain.StatusSuccess)).
		Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

// ApplyStatus атомарно применяет merge статуса.
// CAS выражен одним UPDATE с guard'ом "status = PENDING": два
// конкурирующих обновления не могут применяться оба — RowsAffected
// второго будет 0.
func (r *transactionRepository) ApplyStatus(ctx context.Context, paymentID string, upd domain.StatusUpdate, sideEffect SideEffect) (bool, error) {
	applied := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":              string(upd.Status),
			"gateway_status_code": upd.GatewayStatusCode,
			"gateway_response":    upd.GatewayResponse,
			"updated_at":          time.Now(),
		}
		if upd.Status == domain.StatusSuccess {
			updates["completed_at"] = upd.CompletedAt
			updates["success_key"] = successKeyValue
		}

		result := tx.Model(&TransactionModel{}).
			Where("payment_id = ? AND status = ?", paymentID, string(domain.StatusPending)).
			Updates(updates)

		if result.Error != nil {
			if isDuplicateKeyError(result.Error) {
				// Конкурирующая транзакция уже достигла SUCCESS для той же
				// пары (user, item) — уникальный индекс отклонил переход.
				return domain.ErrPurchaseConflict
			}
			return result.Error
		}

		if result.RowsAffected == 0 {
			// Транзакция уже терминальна (или не существует) — no-op.
			return nil
		}

		applied = true

		if sideEffect != nil {
			return sideEffect(ctx, tx)
		}
		return nil
	})

	if err != nil {
		return false, err
	}

	return applied, nil
}

// RecordPendingStatus сохраняет последний сырой код и ответ шлюза,
// пока транзакция остаётся PENDING.
func (r *transactionRepository) RecordPendingStatus(ctx context.Context, paymentID string, upd domain.StatusUpdate) error {
	return r.db.WithContext(ctx).
		Model(&TransactionModel{}).
		Where("payment_id = ? AND status = ?", paymentID, string(domain.StatusPending)).
		Updates(map[string]any{
			"gateway_status_code": upd.GatewayStatusCode,
			"gateway_response":    upd.GatewayResponse,
			"updated_at":          time.Now(),
		}).Error
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
