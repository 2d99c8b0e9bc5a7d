package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"store-auth/internal/model"
	"store-auth/pkg/apierror"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				slog.Error("panic recovered", "path", r.URL.Path, "error", fmt.Sprintf("%v", recovered), "stack", string(debug.Stack()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = jsonEncode(w, model.APIResponse{
					Success: false,
					Message: "unexpected server error",
					Code:    apierror.CodeInternal,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}
