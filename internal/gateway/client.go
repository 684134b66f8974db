package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/pkg/circuitbreaker"
	"example.com/coursepay/pkg/logger"
	"example.com/coursepay/pkg/metrics"
)

// Endpoints платёжного шлюза.
const (
	pathPlacePayment = "/placePayment"
	pathCheckPayment = "/checkPayment"
)

// maxResponseSize — ограничение на размер ответа шлюза (1 MiB).
const maxResponseSize = 1 << 20

// Config — настройки клиента платёжного шлюза.
type Config struct {
	BaseURL        string        // Базовый URL API шлюза
	ServiceKey     string        // Ключ сервиса, выданный шлюзом
	ServiceSecret  string        // Секрет сервиса (для подписи webhook)
	Country        string        // ISO код страны (например "CM")
	Currency       string        // ISO 4217 валюта по умолчанию
	NotifyURL      string        // URL для webhook уведомлений
	RequestTimeout time.Duration // Таймаут одного HTTP вызова
	MaxRetries     int           // Количество повторов при транзиентных ошибках
}

// Client — HTTP клиент платёжного шлюза.
// Чистые сетевые вызовы без локального состояния. Каждый вызов ограничен
// таймаутом и повторяется с экспоненциальным backoff при транзиентных
// ошибках (сетевая ошибка или 5xx), под защитой Circuit Breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient создаёт клиент платёжного шлюза.
// breaker может быть nil — тогда вызовы идут без Circuit Breaker (тесты).
func NewClient(cfg Config, breaker *circuitbreaker.Breaker) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
	}
}

// =============================================================================
// Запросы и ответы
// =============================================================================

// InitiateRequest — запрос на инициацию платежа.
type InitiateRequest struct {
	PhoneNumber string // Номер телефона плательщика (обязателен)
	Amount      int64  // Сумма (обязательна, > 0)
	Currency    string // Валюта; пустая — валюта из конфигурации
	Operator    string // Мобильный оператор (опционально)
	ItemRef     string // Токен идемпотентности покупки
	PaymentRef  string // Токен идемпотентности платежа
	UserID      string // ID пользователя для сверки на стороне шлюза
	FirstName   string
	LastName    string
	Email       string
}

// placePaymentBody — формат тела запроса placePayment.
type placePaymentBody struct {
	Service     string `json:"service"`
	Phonenumber string `json:"phonenumber"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Country     string `json:"country"`
	Operator    string `json:"operator,omitempty"`
	ItemRef     string `json:"item_ref,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	User        string `json:"user,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	NotifyURL   string `json:"notify_url,omitempty"`
}

// InitiateResponse — ответ шлюза на инициацию платежа.
// Channel* поля содержат инструкции для плательщика (USSD код оператора).
type InitiateResponse struct {
	PaymentID   string `json:"paymentId"`
	Channel     string `json:"channel"`
	ChannelName string `json:"channel_name"`
	ChannelUSSD string `json:"channel_ussd"`
	Message     string `json:"message"`
}

// StatusResponse — ответ шлюза на запрос статуса платежа.
type StatusResponse struct {
	RawStatusCode string // Сырой код статуса (transaction.status), как строка
	Message       string // Сообщение шлюза
	RawPayload    []byte // Полный сырой ответ (для аудита)
}

// =============================================================================
// Операции
// =============================================================================

// InitiatePayment инициирует платёж через шлюз.
// Возвращает domain.ErrValidation при отсутствии телефона или суммы,
// domain.ErrGatewayNotConfigured без учётных данных,
// *domain.GatewayError при неуспешном ответе шлюза.
func (c *Client) InitiatePayment(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	if c.cfg.ServiceKey == "" {
		return nil, domain.ErrGatewayNotConfigured
	}
	if req.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: отсутствует номер телефона", domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: отсутствует или некорректна сумма", domain.ErrValidation)
	}

	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}

	body := placePaymentBody{
		Service:     c.cfg.ServiceKey,
		Phonenumber: req.PhoneNumber,
		Amount:      req.Amount,
		Currency:    currency,
		Country:     c.cfg.Country,
		Operator:    req.Operator,
		ItemRef:     req.ItemRef,
		PaymentRef:  req.PaymentRef,
		User:        req.UserID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		NotifyURL:   c.cfg.NotifyURL,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса placePayment: %w", err)
	}

	raw, err := c.post(ctx, "place_payment", pathPlacePayment, "application/json", payload)
	if err != nil {
		return nil, err
	}

	var resp InitiateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("ошибка разбора ответа placePayment: %w", err)
	}

	// Шлюз может вернуть 200 с отказом в теле — paymentId тогда пустой.
	if resp.PaymentID == "" {
		return nil, &domain.GatewayError{HTTPStatus: http.StatusOK, Message: resp.Message}
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("payment_id", resp.PaymentID).
		Str("channel", resp.Channel).
		Msg("Платёж инициирован на шлюзе")

	return &resp, nil
}

// CheckPayment запрашивает текущий статус платежа у шлюза.
// Возвращает domain.ErrValidation при пустом paymentID,
// *domain.GatewayError при неуспешном ответе шлюза.
func (c *Client) CheckPayment(ctx context.Context, paymentID string) (*StatusResponse, error) {
	if c.cfg.ServiceKey == "" {
		return nil, domain.ErrGatewayNotConfigured
	}
	if paymentID == "" {
		return nil, fmt.Errorf("%w: отсутствует payment_id", domain.ErrValidation)
	}

	form := url.Values{}
	form.Set("paymentId", paymentID)

	raw, err := c.post(ctx, "check_payment", pathCheckPayment,
		"application/x-www-form-urlencoded", []byte(form.Encode()))
	if err != nil {
		return nil, err
	}

	// transaction.status приходит числом; json.Number сохраняет его
	// точное текстовое представление для аудита.
	var parsed struct {
		Transaction struct {
			Status json.Number `json:"status"`
		} `json:"transaction"`
		Message string `json:"message"`
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ошибка разбора ответа checkPayment: %w", err)
	}

	return &StatusResponse{
		RawStatusCode: parsed.Transaction.Status.String(),
		Message:       parsed.Message,
		RawPayload:    raw,
	}, nil
}

// =============================================================================
// HTTP транспорт с retry и Circuit Breaker
// =============================================================================

// post выполняет POST с повторами при транзиентных ошибках.
// 4xx ответы шлюза не повторяются; сетевые ошибки и 5xx — повторяются
// с экспоненциальным backoff не более cfg.MaxRetries раз.
func (c *Client) post(ctx context.Context, endpoint, path, contentType string, payload []byte) ([]byte, error) {
	log := logger.FromContext(ctx)

	operation := func() ([]byte, error) {
		start := time.Now()
		raw, err := c.execute(ctx, path, contentType, payload)

		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordGatewayRequest(endpoint, status, time.Since(start))

		if err != nil {
			// Открытый breaker — повторять бессмысленно, отказываем сразу.
			if circuitbreaker.IsOpen(err) {
				return nil, backoff.Permanent(fmt.Errorf("платёжный шлюз недоступен: %w", err))
			}

			// 4xx — ошибка запроса, повтор не поможет.
			var gwErr *domain.GatewayError
			if errors.As(err, &gwErr) && gwErr.HTTPStatus < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}

			log.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Msg("Транзиентная ошибка вызова шлюза, повтор")
			return nil, err
		}

		return raw, nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)),
		ctx,
	)

	return backoff.RetryWithData(operation, bo)
}

// execute выполняет один HTTP вызов (при наличии breaker — под его защитой).
func (c *Client) execute(ctx context.Context, path, contentType string, payload []byte) ([]byte, error) {
	if c.breaker == nil {
		return c.doRequest(ctx, path, contentType, payload)
	}

	raw, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, path, contentType, payload)
	})
	if err != nil {
		return nil, err
	}
	return raw.([]byte), nil
}

// doRequest выполняет HTTP вызов и превращает неуспешный статус в GatewayError.
func (c *Client) doRequest(ctx context.Context, path, contentType string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка вызова шлюза: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа шлюза: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &domain.GatewayError{
			HTTPStatus: resp.StatusCode,
			Message:    extractMessage(body),
		}
	}

	return body, nil
}

// extractMessage пытается достать поле message из тела ответа шлюза.
func extractMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Message
}
