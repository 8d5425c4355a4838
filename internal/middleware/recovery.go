package middleware

import (
	"io"
	"net/http"
	"runtime/debug"

	"github.com/edgegate/edgegate/internal/observability"
)

// Recovery returns a middleware that recovers from panics, logs the
// stack, and answers 500 when no response bytes went out yet. metrics
// may be nil.
func Recovery(logger observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						// Re-raise so the server tears down the
						// connection. The reverse proxy aborts like
						// this when the client disconnects mid-body.
						panic(err)
					}

					logger.Error("panic recovered",
						observability.String("method", r.Method),
						observability.String("path", r.URL.Path),
						observability.String("request_id", observability.RequestIDFromContext(r.Context())),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())),
					)

					if metrics != nil {
						metrics.RecordPanic()
					}

					// If the handler already wrote a status this is a
					// no-op and the client sees a truncated response.
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = io.WriteString(w,
						`{"error":"internal server error","message":"the gateway could not process the request"}`)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
