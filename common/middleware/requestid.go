// common/middleware/requestid.go
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/YaganovValera/openapi-streamer/common/logger"
)

// RequestIDHeader: заголовок, в котором приходит и возвращается request id.
const RequestIDHeader = "X-Request-ID"

// RequestID кладёт request id в контекст (поле request_id в логах)
// и возвращает его клиенту в заголовке ответа.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			ctx := logger.ContextWithRequestID(r.Context(), reqID)
			w.Header().Set(RequestIDHeader, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
