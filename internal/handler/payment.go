package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/internal/middleware"
	"example.com/coursepay/internal/service"
	"example.com/coursepay/pkg/logger"
)

// PaymentHandler — обработчик платёжных операций.
type PaymentHandler struct {
	svc service.PaymentService
}

// NewPaymentHandler создаёт новый обработчик платежей.
func NewPaymentHandler(svc service.PaymentService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

// === Request/Response DTOs ===

// CreatePaymentRequest — запрос на инициацию платежа.
type CreatePaymentRequest struct {
	ItemID      string `json:"item_id" binding:"required,uuid"`
	PhoneNumber string `json:"phonenumber" binding:"required,min=8,max=20"`
	Operator    string `json:"operator"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email" binding:"omitempty,email"`
}

// CreatePaymentResponse — ответ на инициацию платежа.
// Channel* поля — инструкции для плательщика (USSD код оператора).
type CreatePaymentResponse struct {
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Channel     string `json:"channel,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	ChannelUSSD string `json:"channel_ussd,omitempty"`
	Message     string `json:"message,omitempty"`
}

// TransactionResponse — платёжная транзакция в ответе API.
type TransactionResponse struct {
	PaymentID   string `json:"payment_id"`
	ItemID      string `json:"item_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	CompletedAt *int64 `json:"completed_at,omitempty"` // Unix timestamp
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// GetPaymentResponse — ответ на запрос статуса платежа.
type GetPaymentResponse struct {
	Transaction TransactionResponse `json:"transaction"`
}

// === Handlers ===

// CreatePayment инициирует платёж за товар.
// POST /api/v1/payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	// user_id кладёт JWT middleware
	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Debug().Err(err).Msg("Невалидный запрос на инициацию платежа")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Невалидные данные запроса",
		})
		return
	}

	result, err := h.svc.InitiatePayment(ctx, service.InitiatePaymentRequest{
		UserID:      userID,
		ItemID:      req.ItemID,
		PhoneNumber: req.PhoneNumber,
		Operator:    req.Operator,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
	})
	if err != nil {
		HandleDomainError(c, err, "CreatePayment")
		return
	}

	log.Info().
		Str("payment_id", result.Transaction.PaymentID).
		Str("user_id", userID).
		Str("item_id", req.ItemID).
		Msg("Платёж инициирован")

	c.JSON(http.StatusCreated, CreatePaymentResponse{
		PaymentID:   result.Transaction.PaymentID,
		Status:      string(result.Transaction.Status),
		Amount:      result.Transaction.Amount,
		Currency:    result.Transaction.Currency,
		Channel:     result.Channel,
		ChannelName: result.ChannelName,
		ChannelUSSD: result.ChannelUSSD,
		Message:     result.Message,
	})
}

// GetPayment возвращает актуальный статус платежа.
// Для PENDING транзакции актуализирует статус опросом шлюза.
// GET /api/v1/payments/:paymentId
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	paymentID := c.Param("paymentId")
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "payment_id обязателен",
		})
		return
	}

	userID, ok := h.getUserID(c)
	if !ok {
		return
	}

	tx, err := h.svc.GetTransaction(ctx, paymentID)
	if err != nil {
		HandleDomainError(c, err, "GetPayment")
		return
	}

	// Владелец проверяется до опроса шлюза: чужой paymentId не должен
	// генерировать трафик к шлюзу.
	if tx.UserID != userID {
		log.Warn().
			Str("payment_id", paymentID).
			Str("owner_user_id", tx.UserID).
			Str("request_user_id", userID).
			Msg("Попытка доступа к чужой транзакции")
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "Доступ к транзакции запрещён",
		})
		return
	}

	tx, err = h.svc.ReconcileStatus(ctx, paymentID)
	if err != nil {
		HandleDomainError(c, err, "GetPayment")
		return
	}

	c.JSON(http.StatusOK, GetPaymentResponse{
		Transaction: transactionToResponse(tx),
	})
}

// === Helper functions ===

// getUserID извлекает user_id из контекста Gin.
// Возвращает false и отправляет ошибку, если user_id не найден.
func (h *PaymentHandler) getUserID(c *gin.Context) (string, bool) {
	log := logger.FromContext(c.Request.Context())

	userID, exists := c.Get(middleware.ContextKeyUserID)
	if !exists {
		log.Warn().Msg("user_id не найден в контексте")
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Требуется авторизация",
		})
		return "", false
	}

	userIDStr, ok := userID.(string)
	if !ok {
		log.Error().Interface("user_id", userID).Msg("user_id не является строкой — баг в middleware")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return "", false
	}

	return userIDStr, true
}

// transactionToResponse преобразует доменную транзакцию в response DTO.
func transactionToResponse(tx *domain.PaymentTransaction) TransactionResponse {
	resp := TransactionResponse{
		PaymentID: tx.PaymentID,
		ItemID:    tx.ItemID,
		Amount:    tx.Amount,
		Currency:  tx.Currency,
		Status:    string(tx.Status),
		CreatedAt: tx.CreatedAt.Unix(),
		UpdatedAt: tx.UpdatedAt.Unix(),
	}
	if tx.CompletedAt != nil {
		ts := tx.CompletedAt.Unix()
		resp.CompletedAt = &ts
	}
	return resp
}
