package middleware

import (
	"net/http"

	"github.com/openclaw/copilot-gateway/internal/util"
)

// BasicAuth protects the manager surface with a single operator
// credential pair.
type BasicAuth struct {
	username string
	password string
}

func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{username: username, password: password}
}

func (b *BasicAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || !util.ConstantTimeEqual(user, b.username) || !util.ConstantTimeEqual(pass, b.password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="manager"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
