// Package gateway содержит клиент платёжного шлюза mobile money
// и проверку подписи его webhook уведомлений.
package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"example.com/coursepay/internal/domain"
	"example.com/coursepay/pkg/logger"
)

// SignaturePolicy — явная политика проверки подписи webhook уведомлений.
// Инжектируется при конструировании, а не выводится из глобального
// окружения в местах вызова.
type SignaturePolicy struct {
	// Secret — общий секрет, выданный шлюзом.
	// Пустой секрет отключает проверку (только для локальной разработки).
	Secret string

	// Enforce — отклонять уведомления без поля sign.
	// При false неподписанное уведомление пропускается с предупреждением.
	Enforce bool
}

// signField — имя поля подписи в параметрах уведомления.
// Само поле в каноническую строку не входит.
const signField = "sign"

// CanonicalString строит каноническую строку параметров:
// поле sign и пустые значения отбрасываются, ключи сортируются
// лексикографически, пары соединяются как key=value через &.
func CanonicalString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == signField || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// ComputeSignature вычисляет подпись: MD5 hex от канонической строки
// с секретом, дописанным в конец без разделителя.
// Схема MD5 зафиксирована протоколом действующего шлюза.
func ComputeSignature(params map[string]string, secret string) string {
	sum := md5.Sum([]byte(CanonicalString(params) + secret))
	return hex.EncodeToString(sum[:])
}

// Verify проверяет подпись уведомления согласно политике.
// Возвращает nil при успехе, domain.ErrSignatureInvalid при отказе.
// Hex digest сравнивается без учёта регистра.
func (p SignaturePolicy) Verify(ctx context.Context, params map[string]string, provided string) error {
	log := logger.FromContext(ctx)

	if p.Secret == "" {
		log.Warn().Msg("Секрет подписи не настроен — проверка webhook пропущена")
		return nil
	}

	if provided == "" {
		if p.Enforce {
			log.Warn().Msg("Webhook без подписи отклонён (enforce_signature=true)")
			return domain.ErrSignatureInvalid
		}
		log.Warn().Msg("Webhook без подписи пропущен (enforce_signature=false)")
		return nil
	}

	expected := ComputeSignature(params, p.Secret)
	if !strings.EqualFold(expected, provided) {
		return domain.ErrSignatureInvalid
	}

	return nil
}
