// Package handler содержит unit тесты для PaymentHandler.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/internal/middleware"
	"example.com/coursepay/internal/service"
)

const testItemID = "550e8400-e29b-41d4-a716-446655440000"

// MockPaymentService — мок для PaymentService.
type MockPaymentService struct {
	InitiatePaymentFunc func(ctx context.Context, req service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error)
	HandleWebhookFunc   func(ctx context.Context, n service.WebhookNotification) (*service.WebhookResult, error)
	ReconcileStatusFunc func(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)
	GetTransactionFunc  func(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error)
}

func (m *MockPaymentService) InitiatePayment(ctx context.Context, req service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error) {
	if m.InitiatePaymentFunc != nil {
		return m.InitiatePaymentFunc(ctx, req)
	}
	return nil, nil
}

func (m *MockPaymentService) HandleWebhook(ctx context.Context, n service.WebhookNotification) (*service.WebhookResult, error) {
	if m.HandleWebhookFunc != nil {
		return m.HandleWebhookFunc(ctx, n)
	}
	return nil, nil
}

func (m *MockPaymentService) ReconcileStatus(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	if m.ReconcileStatusFunc != nil {
		return m.ReconcileStatusFunc(ctx, paymentID)
	}
	return nil, nil
}

func (m *MockPaymentService) GetTransaction(ctx context.Context, paymentID string) (*domain.PaymentTransaction, error) {
	if m.GetTransactionFunc != nil {
		return m.GetTransactionFunc(ctx, paymentID)
	}
	return nil, nil
}

// setupTestRouter создаёт Gin router для тестов с установленным user_id.
func setupTestRouter(handler *PaymentHandler, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// Имитация JWT middleware
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.ContextKeyUserID, userID)
		}
		c.Next()
	})

	r.POST("/api/v1/payments", handler.CreatePayment)
	r.GET("/api/v1/payments/:paymentId", handler.GetPayment)

	return r
}

// validCreatePaymentRequest возвращает валидный запрос на инициацию платежа.
func validCreatePaymentRequest() CreatePaymentRequest {
	return CreatePaymentRequest{
		ItemID:      testItemID,
		PhoneNumber: "650000000",
		Operator:    "mtn",
	}
}

// validTransaction возвращает валидную транзакцию для тестов.
func validTransaction(userID string, status domain.TransactionStatus) *domain.PaymentTransaction {
	now := time.Unix(1735500000, 0)
	tx := &domain.PaymentTransaction{
		ID:          "tx-internal-1",
		UserID:      userID,
		ItemID:      testItemID,
		PaymentID:   "pay-123",
		Amount:      5000,
		Currency:    "XAF",
		PhoneNumber: "650000000",
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status == domain.StatusSuccess {
		completed := now.Add(time.Minute)
		tx.CompletedAt = &completed
	}
	return tx
}

// =====================================
// Тесты CreatePayment
// =====================================

func TestCreatePayment_Success(t *testing.T) {
	mock := &MockPaymentService{
		InitiatePaymentFunc: func(_ context.Context, req service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error) {
			assert.Equal(t, "user-123", req.UserID)
			assert.Equal(t, testItemID, req.ItemID)
			assert.Equal(t, "650000000", req.PhoneNumber)
			return &service.InitiatePaymentResult{
				Transaction: validTransaction("user-123", domain.StatusPending),
				Channel:     "MOMO",
				ChannelName: "MTN Mobile Money",
				ChannelUSSD: "*126#",
				Message:     "Подтвердите платёж на телефоне",
			}, nil
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	body, _ := json.Marshal(validCreatePaymentRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp CreatePaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pay-123", resp.PaymentID)
	assert.Equal(t, string(domain.StatusPending), resp.Status)
	assert.Equal(t, int64(5000), resp.Amount)
	assert.Equal(t, "XAF", resp.Currency)
	assert.Equal(t, "*126#", resp.ChannelUSSD)
}

func TestCreatePayment_Unauthorized(t *testing.T) {
	handler := NewPaymentHandler(&MockPaymentService{})
	router := setupTestRouter(handler, "") // Пустой userID = нет авторизации

	body, _ := json.Marshal(validCreatePaymentRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePayment_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "не JSON", body: "invalid json"},
		{name: "без item_id", body: `{"phonenumber": "650000000"}`},
		{name: "item_id не uuid", body: `{"item_id": "not-a-uuid", "phonenumber": "650000000"}`},
		{name: "без телефона", body: fmt.Sprintf(`{"item_id": %q}`, testItemID)},
		{name: "телефон слишком короткий", body: fmt.Sprintf(`{"item_id": %q, "phonenumber": "123"}`, testItemID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewPaymentHandler(&MockPaymentService{})
			router := setupTestRouter(handler, "user-123")

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader([]byte(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreatePayment_ItemNotFound(t *testing.T) {
	mock := &MockPaymentService{
		InitiatePaymentFunc: func(_ context.Context, _ service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error) {
			return nil, domain.ErrItemNotFound
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	body, _ := json.Marshal(validCreatePaymentRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "item_not_found")
}

func TestCreatePayment_AlreadyPurchased(t *testing.T) {
	mock := &MockPaymentService{
		InitiatePaymentFunc: func(_ context.Context, _ service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error) {
			return nil, domain.ErrAlreadyPurchased
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	body, _ := json.Marshal(validCreatePaymentRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "already_purchased")
}

func TestCreatePayment_GatewayError(t *testing.T) {
	mock := &MockPaymentService{
		InitiatePaymentFunc: func(_ context.Context, _ service.InitiatePaymentRequest) (*service.InitiatePaymentResult, error) {
			return nil, &domain.GatewayError{HTTPStatus: http.StatusInternalServerError, Message: "шлюз недоступен"}
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	body, _ := json.Marshal(validCreatePaymentRequest())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_error")
}

// =====================================
// Тесты GetPayment
// =====================================

func TestGetPayment_Success(t *testing.T) {
	userID := "user-123"
	mock := &MockPaymentService{
		GetTransactionFunc: func(_ context.Context, paymentID string) (*domain.PaymentTransaction, error) {
			assert.Equal(t, "pay-123", paymentID)
			return validTransaction(userID, domain.StatusPending), nil
		},
		ReconcileStatusFunc: func(_ context.Context, paymentID string) (*domain.PaymentTransaction, error) {
			assert.Equal(t, "pay-123", paymentID)
			return validTransaction(userID, domain.StatusSuccess), nil
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, userID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-123", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp GetPaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pay-123", resp.Transaction.PaymentID)
	assert.Equal(t, string(domain.StatusSuccess), resp.Transaction.Status)
	require.NotNil(t, resp.Transaction.CompletedAt)
	assert.Equal(t, int64(1735500060), *resp.Transaction.CompletedAt)
}

func TestGetPayment_PendingWithoutCompletedAt(t *testing.T) {
	userID := "user-123"
	mock := &MockPaymentService{
		GetTransactionFunc: func(_ context.Context, _ string) (*domain.PaymentTransaction, error) {
			return validTransaction(userID, domain.StatusPending), nil
		},
		ReconcileStatusFunc: func(_ context.Context, _ string) (*domain.PaymentTransaction, error) {
			return validTransaction(userID, domain.StatusPending), nil
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, userID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-123", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp GetPaymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StatusPending), resp.Transaction.Status)
	assert.Nil(t, resp.Transaction.CompletedAt)
}

func TestGetPayment_NotFound(t *testing.T) {
	mock := &MockPaymentService{
		GetTransactionFunc: func(_ context.Context, _ string) (*domain.PaymentTransaction, error) {
			return nil, domain.ErrTransactionNotFound
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/non-existent", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "transaction_not_found")
}

func TestGetPayment_Forbidden(t *testing.T) {
	reconcileCalled := false
	mock := &MockPaymentService{
		GetTransactionFunc: func(_ context.Context, _ string) (*domain.PaymentTransaction, error) {
			// Транзакция принадлежит другому пользователю
			return validTransaction("other-user", domain.StatusPending), nil
		},
		ReconcileStatusFunc: func(_ context.Context, _ string) (*domain.PaymentTransaction, error) {
			reconcileCalled = true
			return validTransaction("other-user", domain.StatusPending), nil
		},
	}

	handler := NewPaymentHandler(mock)
	router := setupTestRouter(handler, "user-123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-123", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, reconcileCalled, "чужая транзакция не должна опрашиваться на шлюзе")
}

func TestGetPayment_Unauthorized(t *testing.T) {
	handler := NewPaymentHandler(&MockPaymentService{})
	router := setupTestRouter(handler, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-123", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
