package middleware

import (
	"log/slog"
	"net/http"

	"devicehub/internal/config"
	apierrors "devicehub/internal/errors"
	"devicehub/internal/security"
)

// OperatorAuth guards operator routes with the X-Operator-Key header. A nil
// key disables the check.
func OperatorAuth(key *security.OperatorKey, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !key.Verify(r.Header.Get(config.HeaderOperatorKey)) {
				logger.WarnContext(r.Context(), "operator key rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				errorHandler.HandleError(w, r, apierrors.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
