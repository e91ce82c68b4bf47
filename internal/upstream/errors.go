package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-2xx upstream response. Keeping the status code
// structured lets callers classify quota errors without parsing messages.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// IsQuotaError reports whether err indicates quota or rate-limit
// exhaustion. Structured status codes are checked first; the substring
// match on "rate limit"/"429"/"quota" remains as a fallback for upstream
// errors that only carry a message.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
