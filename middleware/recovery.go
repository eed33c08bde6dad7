package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into the JSON InternalError response. The
// panic is logged through the request logger installed by Logging, or through
// fallback when there is none.
func Recovery(fallback zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logger := zerolog.Ctx(r.Context())
				if logger.GetLevel() == zerolog.Disabled {
					logger = &fallback
				}
				logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("route", routeTemplate(r)).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")

				types.WriteJSON(w, http.StatusInternalServerError, types.ImpersonationErrorResponse{Error: "InternalError"})
			}()

			next.ServeHTTP(w, r)
		})
	}
}
