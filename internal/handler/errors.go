// Package handler содержит HTTP обработчики REST API платёжного сервиса.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/pkg/logger"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleDomainError преобразует доменную ошибку в HTTP ответ.
// Используется всеми handlers для единообразной обработки ошибок.
// ВАЖНО: err не должен быть nil — это баг в вызывающем коде.
func HandleDomainError(c *gin.Context, err error, method string) {
	// Guard: nil ошибка — баг в вызывающем коде, логируем и возвращаем 500.
	if err == nil {
		logger.Error().Str("method", method).Msg("HandleDomainError вызван с nil ошибкой — баг в коде")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	log := logger.FromContext(c.Request.Context())

	var httpStatus int
	var errorCode string

	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidAmount):
		httpStatus = http.StatusBadRequest
		errorCode = "invalid_request"

	case errors.Is(err, domain.ErrItemNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "item_not_found"

	case errors.Is(err, domain.ErrTransactionNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "transaction_not_found"

	case errors.Is(err, domain.ErrAlreadyPurchased):
		httpStatus = http.StatusConflict
		errorCode = "already_purchased"

	case errors.Is(err, domain.ErrPurchaseConflict), errors.Is(err, domain.ErrDuplicatePaymentID):
		httpStatus = http.StatusConflict
		errorCode = "conflict"

	case errors.Is(err, domain.ErrSignatureInvalid), errors.Is(err, domain.ErrSourceNotAllowed):
		httpStatus = http.StatusForbidden
		errorCode = "forbidden"

	case errors.Is(err, domain.ErrGatewayNotConfigured):
		httpStatus = http.StatusServiceUnavailable
		errorCode = "gateway_not_configured"

	default:
		if gwErr, ok := domain.IsGatewayError(err); ok {
			// Отказ внешнего шлюза транслируем как 502
			log.Warn().Err(err).Str("method", method).Int("gateway_status", gwErr.HTTPStatus).Msg("Ошибка платёжного шлюза")
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error:   "gateway_error",
				Message: gwErr.Message,
			})
			return
		}

		httpStatus = http.StatusInternalServerError
		errorCode = "internal_error"
		log.Error().Err(err).Str("method", method).Msg("Внутренняя ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{
		Error:   errorCode,
		Message: err.Error(),
	})
}
