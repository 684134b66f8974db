package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"example.com/coursepay/internal/domain"
)

// ItemRepository определяет интерфейс каталога товаров.
// Каталогом владеет внешняя часть платформы; платёжный сервис читает
// товар и инкрементирует счётчик покупок ровно один раз при SUCCESS.
type ItemRepository interface {
	// GetByID возвращает товар по ID.
	// Возвращает domain.ErrItemNotFound, если товар не существует.
	GetByID(ctx context.Context, id string) (*domain.Item, error)

	// IncrementPurchases увеличивает счётчик покупок товара на 1.
	// Выполняется внутри переданной транзакции БД — в той же транзакции,
	// что и merge статуса платежа, чтобы инкремент не пережил откат.
	IncrementPurchases(ctx context.Context, tx *gorm.DB, itemID string) error
}

// =============================================================================
// GORM модель
// =============================================================================

// ItemModel — GORM модель для таблицы items.
type ItemModel struct {
	ID        string `gorm:"column:id;type:varchar(36);primaryKey"`
	Title     string `gorm:"column:title;type:varchar(255);not null"`
	Price     int64  `gorm:"column:price;not null"`
	Currency  string `gorm:"column:currency;type:varchar(3);not null"`
	Active    bool   `gorm:"column:active;not null;default:true"`
	Purchases int64  `gorm:"column:purchases;not null;default:0"`
}

// TableName возвращает имя таблицы в БД.
func (ItemModel) TableName() string {
	return "items"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *ItemModel) toDomain() *domain.Item {
	return &domain.Item{
		ID:        m.ID,
		Title:     m.Title,
		Price:     m.Price,
		Currency:  m.Currency,
		Active:    m.Active,
		Purchases: m.Purchases,
	}
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// itemRepository — GORM реализация ItemRepository.
type itemRepository struct {
	db *gorm.DB
}

// NewItemRepository создаёт новый репозиторий товаров.
func NewItemRepository(db *gorm.DB) ItemRepository {
	return &itemRepository{db: db}
}

// GetByID возвращает товар по ID.
func (r *itemRepository) GetByID(ctx context.Context, id string) (*domain.Item, error) {
	var model ItemModel

	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrItemNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// IncrementPurchases увеличивает счётчик покупок внутри транзакции tx.
func (r *itemRepository) IncrementPurchases(ctx context.Context, tx *gorm.DB, itemID string) error {
	result := tx.WithContext(ctx).
		Model(&ItemModel{}).
		Where("id = ?", itemID).
		Update("purchases", gorm.Expr("purchases + 1"))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return domain.ErrItemNotFound
	}

	return nil
}
