package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// TokenValidator: интерфейс проверки входящих токенов
type TokenValidator interface {
	VerifyToken(tokenStr string) (*Claims, error)
}

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const callerKey ctxKey = "caller"

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем вызывающего в контекст
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.Subject)))
		})
	}
}

// WithCaller кладёт адрес вызывающего в контекст
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom достаёт адрес вызывающего; пустая строка, если запрос не прошёл auth
func CallerFrom(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey).(string); ok {
		return c
	}
	return ""
}
