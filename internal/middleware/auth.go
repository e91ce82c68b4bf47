package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/httputil"
	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/util"
)

type contextKey int

const admissionKey contextKey = iota

// Admission is what the auth middleware attaches to the request context: a
// selected account plus the ordered candidate list the handler may fail
// over across.
type Admission struct {
	APIKey  string
	Account model.Account
	// Candidates are the caller-supplied keys, in order, that resolve to
	// accounts holding a session token. The failover path walks them
	// front to back.
	Candidates []string
	// Limited is set when every usable candidate has crossed its soft
	// quota threshold; admission still proceeds with the first one.
	Limited bool
}

type AuthMiddleware struct {
	registry *registry.Registry
}

func NewAuthMiddleware(reg *registry.Registry) *AuthMiddleware {
	return &AuthMiddleware{registry: reg}
}

// ExtractAPIKeys parses an Authorization header value into candidate API
// keys. It accepts "Bearer <key>", a bare key, or a comma-separated list;
// entries are trimmed and format-validated independently, and invalid
// entries are dropped silently.
func ExtractAPIKeys(headerValue string) []string {
	value := strings.TrimSpace(strings.TrimPrefix(headerValue, "Bearer "))
	if value == "" {
		return nil
	}

	var keys []string
	for _, part := range strings.Split(value, ",") {
		key := strings.TrimSpace(part)
		if util.ValidAPIKey(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// SelectPreferred scans candidates in caller order and returns the first
// key whose account exists, holds a session token, and is under its quota
// threshold. The second return is false when every candidate is limited,
// unusable, or unknown.
func (m *AuthMiddleware) SelectPreferred(candidates []string) (string, bool) {
	for _, key := range candidates {
		account, ok := m.registry.Lookup(key)
		if !ok || !account.HasSession() {
			continue
		}
		if !account.IsQuotaLimited() {
			return key, true
		}
	}
	return "", false
}

// Handler is the request-time gatekeeper. Outcomes:
//   - no valid candidate keys: 401
//   - an unlimited candidate exists: attached, Limited=false
//   - only limited candidates with session tokens: first one attached,
//     Limited=true
//   - accounts exist but none holds a session token: 400, so operators can
//     tell "needs re-login" from "bad key"
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		candidates := ExtractAPIKeys(r.Header.Get("Authorization"))
		if len(candidates) == 0 {
			httputil.WriteError(w, http.StatusUnauthorized,
				"Missing or invalid API key. Provide a valid API key in the Authorization header.")
			return
		}

		var (
			usable   []string
			fallback string
			anyKnown bool
		)
		for _, key := range candidates {
			account, ok := m.registry.Lookup(key)
			if !ok {
				continue
			}
			anyKnown = true
			if !account.HasSession() {
				continue
			}
			usable = append(usable, key)
			if fallback == "" {
				fallback = key
			}
		}

		if !anyKnown {
			httputil.WriteError(w, http.StatusUnauthorized,
				"Invalid API key. Check your API key and try again.")
			return
		}
		if len(usable) == 0 {
			httputil.WriteError(w, http.StatusBadRequest,
				"Account has no active session token. Re-run the device login for this account.")
			return
		}

		admission := Admission{Candidates: usable}
		if preferred, ok := m.SelectPreferred(candidates); ok {
			admission.APIKey = preferred
		} else {
			admission.APIKey = fallback
			admission.Limited = true
			log.Warn().Str("apiKey", util.MaskKey(fallback)).Msg("all candidate accounts are quota-limited")
		}
		admission.Account, _ = m.registry.Lookup(admission.APIKey)

		next.ServeHTTP(w, r.WithContext(WithAdmission(r.Context(), admission)))
	})
}

func WithAdmission(ctx context.Context, a Admission) context.Context {
	return context.WithValue(ctx, admissionKey, a)
}

// AdmissionFrom returns the admission attached by the auth middleware.
func AdmissionFrom(ctx context.Context) (Admission, bool) {
	a, ok := ctx.Value(admissionKey).(Admission)
	return a, ok
}
