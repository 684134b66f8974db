// Package jwt предоставляет валидацию JWT токенов на основе RS256.
// Платёжный сервис токены не выпускает: приватный ключ живёт в сервисе
// аутентификации платформы, здесь используется только публичный ключ
// для верификации подписи.
package jwt

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims содержит данные JWT токена.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`        // ID пользователя
	Role   string `json:"role,omitempty"` // Роль пользователя (опционально)
}

// Validator проверяет JWT токены по публичному ключу (RS256).
type Validator struct {
	publicKey *rsa.PublicKey // Публичный ключ (для верификации)
	issuer    string         // Ожидаемый издатель токена
}

// Config содержит параметры для создания Validator.
type Config struct {
	PublicKeyPath string // Путь к публичному ключу (обязательно)
	Issuer        string // Ожидаемый издатель токена (опционально)
}

// NewValidator создаёт новый валидатор JWT токенов.
func NewValidator(cfg Config) (*Validator, error) {
	publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}

	return &Validator{
		publicKey: publicKey,
		issuer:    cfg.Issuer,
	}, nil
}

// NewValidatorWithKey создаёт валидатор с уже загруженным ключом (для тестов).
func NewValidatorWithKey(publicKey *rsa.PublicKey, issuer string) *Validator {
	return &Validator{
		publicKey: publicKey,
		issuer:    issuer,
	}
}

// ValidateToken проверяет токен и возвращает claims.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем, что используется правильный алгоритм
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("ошибка валидации токена: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("невалидные claims токена")
	}

	// Проверяем издателя, если он настроен
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("неожиданный издатель токена: %s", claims.Issuer)
	}

	return claims, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}

	// Пробуем PKIX формат (PUBLIC KEY)
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Пробуем PKCS#1 формат (RSA PUBLIC KEY)
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("ключ не является RSA публичным ключом")
	}

	return rsaKey, nil
}
