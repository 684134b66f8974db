// Package middleware содержит HTTP middleware платёжного сервиса.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/coursepay/pkg/jwt"
	"example.com/coursepay/pkg/logger"
)

// ContextKeyUserID — ключ Gin контекста с ID аутентифицированного пользователя.
const ContextKeyUserID = "user_id"

// TokenValidator — интерфейс для валидации токенов.
// Позволяет мокировать *jwt.Validator в тестах.
type TokenValidator interface {
	ValidateToken(tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware — middleware для проверки JWT токенов.
// Токены выпускает сервис аутентификации платформы; здесь проверяется
// только подпись RS256, срок действия и издатель.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware создаёт новый middleware для аутентификации.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Handle возвращает Gin handler function для middleware.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := extractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		claims, err := m.validator.ValidateToken(token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}

		// Сохраняем данные пользователя в контекст Gin
		c.Set(ContextKeyUserID, userID)

		log.Debug().
			Str("user_id", userID).
			Msg("Пользователь аутентифицирован")

		c.Next()
	}
}

// extractBearerToken извлекает токен из заголовка Authorization.
// Префикс Bearer регистронезависимый.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
