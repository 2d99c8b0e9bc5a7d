package middleware

import (
	"net/http"
	"time"
)

const timeoutBody = `{"success":false,"message":"request timed out","code":"REQUEST_TIMEOUT"}`

func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, timeoutBody)
	}
}
