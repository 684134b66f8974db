package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Тесты StatusFromGatewayCode
// =============================================================================

func TestStatusFromGatewayCode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected TransactionStatus
	}{
		{name: "код 1 — успех", raw: "1", expected: StatusSuccess},
		{name: "код 0 — неудача", raw: "0", expected: StatusFailed},
		{name: "код -1 — отмена", raw: "-1", expected: StatusCancelled},
		{name: "промежуточный код шлюза", raw: "2", expected: StatusPending},
		{name: "неизвестный код", raw: "42", expected: StatusPending},
		{name: "пустая строка", raw: "", expected: StatusPending},
		{name: "мусор", raw: "abc", expected: StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StatusFromGatewayCode(tt.raw))
		})
	}
}

// =============================================================================
// Тесты IsTerminal
// =============================================================================

func TestTransactionStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

// =============================================================================
// Тесты NewStatusUpdate
// =============================================================================

func TestNewStatusUpdate_SuccessSetsCompletedAt(t *testing.T) {
	now := time.Now()
	payload := []byte(`{"transaction":{"status":1}}`)

	upd := NewStatusUpdate("1", payload, now)

	assert.Equal(t, StatusSuccess, upd.Status)
	assert.Equal(t, "1", upd.GatewayStatusCode)
	assert.Equal(t, payload, upd.GatewayResponse)
	require.NotNil(t, upd.CompletedAt)
	assert.Equal(t, now, *upd.CompletedAt)
}

func TestNewStatusUpdate_NonSuccessLeavesCompletedAtNil(t *testing.T) {
	for _, raw := range []string{"0", "-1", "2", ""} {
		upd := NewStatusUpdate(raw, nil, time.Now())
		assert.Nil(t, upd.CompletedAt, "completed_at должен быть nil для кода %q", raw)
	}
}

// =============================================================================
// Тесты Validate
// =============================================================================

func TestPaymentTransaction_Validate(t *testing.T) {
	valid := func() *PaymentTransaction {
		return &PaymentTransaction{
			ID:          "tx-1",
			UserID:      "u1",
			ItemID:      "e1",
			PaymentID:   "pay-abc",
			Amount:      500,
			Currency:    "XAF",
			PhoneNumber: "650000000",
			Status:      StatusPending,
		}
	}

	t.Run("валидная транзакция", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("отсутствует телефон", func(t *testing.T) {
		tx := valid()
		tx.PhoneNumber = ""
		assert.ErrorIs(t, tx.Validate(), ErrValidation)
	})

	t.Run("нулевая сумма", func(t *testing.T) {
		tx := valid()
		tx.Amount = 0
		assert.ErrorIs(t, tx.Validate(), ErrInvalidAmount)
	})

	t.Run("отсутствует payment_id", func(t *testing.T) {
		tx := valid()
		tx.PaymentID = ""
		assert.Error(t, tx.Validate())
	})
}
