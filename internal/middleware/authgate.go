package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mmeshcher/ledgerpad/internal/model"
)

type contextKey string

const userKey contextKey = "user"

// AuthStateSource отдаёт текущее состояние аутентификации.
type AuthStateSource interface {
	State() model.AuthState
}

// AuthGate пропускает запросы к записям только для аутентифицированного
// пользователя. Пока идёт начальная загрузка сессии, запросы получают 503,
// чтобы клиент повторил попытку после разрешения состояния.
type AuthGate struct {
	source AuthStateSource
}

// NewAuthGate создаёт новый экземпляр AuthGate.
func NewAuthGate(source AuthStateSource) *AuthGate {
	return &AuthGate{source: source}
}

// RequireAuth проверяет состояние сессии и добавляет пользователя в контекст запроса.
func (g *AuthGate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := g.source.State()

		if state.Loading {
			writeJSONError(w, http.StatusServiceUnavailable, "session is being restored")
			return
		}

		if !state.Authenticated || state.User == nil {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, *state.User)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserFromContext извлекает пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(userKey).(model.User)
	return user, ok
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
