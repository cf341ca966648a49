package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// NewMiddleware отвечает 401 на отсутствующий токен и 403 на неверный.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			err := v.VerifyToken(r.Header.Get("Authorization"))
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			status := http.StatusForbidden
			if errors.Is(err, ErrMissingToken) {
				status = http.StatusUnauthorized
			}
			logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "error", "errors": []string{err.Error()}})
		})
	}
}
