package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/coursepay/internal/service"
	"example.com/coursepay/pkg/logger"
)

// maxWebhookBodySize — лимит тела вебхука (защита от переполнения памяти).
const maxWebhookBodySize = 1 << 20 // 1 MB

// WebhookHandler — обработчик уведомлений платёжного шлюза.
type WebhookHandler struct {
	svc service.PaymentService
}

// NewWebhookHandler создаёт новый обработчик вебхуков.
func NewWebhookHandler(svc service.PaymentService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// WebhookResponse — ответ шлюзу на уведомление.
type WebhookResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status,omitempty"`
}

// HandleNotification принимает уведомление шлюза о смене статуса платежа.
// Тело: {"paymentId": "...", "transaction": {"status": 1, ...}, "sign": "..."}.
// Подпись считается по плоскому набору параметров: скалярные поля верхнего
// уровня плюс поля вложенного объекта transaction.
// POST /payments/webhook
func (h *WebhookHandler) HandleNotification(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось прочитать тело вебхука")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Невалидное тело запроса",
		})
		return
	}

	params, err := flattenParams(body)
	if err != nil {
		log.Warn().Err(err).Msg("Невалидный JSON в теле вебхука")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Невалидный JSON",
		})
		return
	}

	// Поле sign не участвует в канонической строке
	signature := params["sign"]
	delete(params, "sign")

	result, err := h.svc.HandleWebhook(ctx, service.WebhookNotification{
		Params:     params,
		Signature:  signature,
		SourceIP:   c.ClientIP(),
		RawPayload: body,
	})
	if err != nil {
		HandleDomainError(c, err, "HandleNotification")
		return
	}

	log.Info().
		Str("payment_id", params["paymentId"]).
		Str("status", string(result.Status)).
		Bool("applied", result.Applied).
		Msg("Вебхук обработан")

	c.JSON(http.StatusOK, WebhookResponse{
		Accepted: true,
		Status:   string(result.Status),
	})
}

// flattenParams разбирает JSON тело вебхука в плоскую map[string]string.
// Скалярные поля верхнего уровня берутся как есть; поля вложенных объектов
// первого уровня (transaction) поднимаются наверх, не затирая существующие
// ключи. Числа декодируются через json.Number, чтобы статус "1" не
// превратился в "1.000000".
func flattenParams(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	params := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := scalarToString(value); ok {
			params[key] = s
		}
	}

	// Второй проход: поднимаем поля вложенных объектов
	for _, value := range raw {
		nested, ok := value.(map[string]any)
		if !ok {
			continue
		}
		for key, nestedValue := range nested {
			if _, exists := params[key]; exists {
				continue
			}
			if s, ok := scalarToString(nestedValue); ok {
				params[key] = s
			}
		}
	}

	return params, nil
}

// scalarToString преобразует скалярное JSON значение в строку.
func scalarToString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
