package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/coursepay/internal/domain"
)

// =====================================
// Тесты GetByID
// =====================================

func TestItemGetByID(t *testing.T) {
	tests := []struct {
		name        string
		itemID      string
		mockSetup   func(mock sqlmock.Sqlmock, itemID string)
		expectedErr error
		checkItem   func(t *testing.T, item *domain.Item)
	}{
		{
			name:   "товар найден",
			itemID: "item-1",
			mockSetup: func(mock sqlmock.Sqlmock, itemID string) {
				rows := sqlmock.NewRows([]string{"id", "title", "price", "currency", "active", "purchases"}).
					AddRow(itemID, "Курс по Go", 5000, "XAF", true, 42)
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `items` WHERE id = ?")).
					WithArgs(itemID, 1).WillReturnRows(rows)
			},
			checkItem: func(t *testing.T, item *domain.Item) {
				assert.Equal(t, "item-1", item.ID)
				assert.Equal(t, "Курс по Go", item.Title)
				assert.Equal(t, int64(5000), item.Price)
				assert.Equal(t, "XAF", item.Currency)
				assert.True(t, item.Active)
				assert.Equal(t, int64(42), item.Purchases)
			},
		},
		{
			name:   "товар не найден",
			itemID: "unknown",
			mockSetup: func(mock sqlmock.Sqlmock, itemID string) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `items` WHERE id = ?")).
					WithArgs(itemID, 1).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			expectedErr: domain.ErrItemNotFound,
		},
		{
			name:   "ошибка БД",
			itemID: "item-1",
			mockSetup: func(mock sqlmock.Sqlmock, itemID string) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `items` WHERE id = ?")).
					WithArgs(itemID, 1).WillReturnError(sql.ErrConnDone)
			},
			expectedErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, cleanup := setupMockDB(t)
			defer cleanup()

			repo := NewItemRepository(gormDB)
			tt.mockSetup(mock, tt.itemID)

			item, err := repo.GetByID(context.Background(), tt.itemID)

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
				tt.checkItem(t, item)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты IncrementPurchases
// =====================================

func TestIncrementPurchases(t *testing.T) {
	t.Run("счётчик увеличен", func(t *testing.T) {
		gormDB, mock, cleanup := setupMockDB(t)
		defer cleanup()

		repo := NewItemRepository(gormDB)

		// Вне внешней транзакции GORM оборачивает UPDATE в свою
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `items` SET `purchases`=purchases + 1 WHERE id = ?")).
			WithArgs("item-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := repo.IncrementPurchases(context.Background(), gormDB, "item-1")

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("товар не найден", func(t *testing.T) {
		gormDB, mock, cleanup := setupMockDB(t)
		defer cleanup()

		repo := NewItemRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `items` SET `purchases`=purchases + 1 WHERE id = ?")).
			WithArgs("unknown").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		err := repo.IncrementPurchases(context.Background(), gormDB, "unknown")

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrItemNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ошибка БД", func(t *testing.T) {
		gormDB, mock, cleanup := setupMockDB(t)
		defer cleanup()

		repo := NewItemRepository(gormDB)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `items` SET `purchases`=purchases + 1 WHERE id = ?")).
			WithArgs("item-1").
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		err := repo.IncrementPurchases(context.Background(), gormDB, "item-1")

		require.Error(t, err)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
