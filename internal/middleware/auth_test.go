package middleware

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/store"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(store.NewFileStore(filepath.Join(t.TempDir(), "accounts.json")))
}

// addAccount registers an account and optionally gives it a session token
// and near-limit daily usage.
func addAccount(t *testing.T, reg *registry.Registry, withSession, limited bool) string {
	t.Helper()
	apiKey, err := reg.Register("ghu_token", model.AccountTypeIndividual)
	require.NoError(t, err)
	require.NoError(t, reg.Update(apiKey, func(a *model.Account) {
		if withSession {
			a.CopilotToken = "tid=abc;exp=123"
		}
		if limited {
			// Individual daily request limit is 2000; 90% is the soft
			// threshold.
			a.Usage.DailyRequests = 1900
			a.Usage.LastResetDate = model.UTCDate(a.CreatedAt)
		}
	}))
	return apiKey
}

func TestExtractAPIKeys(t *testing.T) {
	t.Run("bearer prefix", func(t *testing.T) {
		assert.Equal(t, []string{"sk-abcdefghij"}, ExtractAPIKeys("Bearer sk-abcdefghij"))
	})

	t.Run("bare key", func(t *testing.T) {
		assert.Equal(t, []string{"sk-abcdefghij"}, ExtractAPIKeys("sk-abcdefghij"))
	})

	t.Run("comma separated list keeps caller order", func(t *testing.T) {
		keys := ExtractAPIKeys("sk-abcdefghij, sk-zyxwvutsrq")
		assert.Equal(t, []string{"sk-abcdefghij", "sk-zyxwvutsrq"}, keys)
	})

	t.Run("invalid entries are dropped silently", func(t *testing.T) {
		keys := ExtractAPIKeys("not-a-key, sk-abcdefghij, sk-x")
		assert.Equal(t, []string{"sk-abcdefghij"}, keys)
	})

	t.Run("no valid keys", func(t *testing.T) {
		assert.Nil(t, ExtractAPIKeys("not-a-key"))
		assert.Nil(t, ExtractAPIKeys(""))
	})
}

func TestSelectPreferred(t *testing.T) {
	reg := newTestRegistry(t)
	m := NewAuthMiddleware(reg)

	limitedA := addAccount(t, reg, true, true)
	unlimitedB := addAccount(t, reg, true, false)
	unlimitedC := addAccount(t, reg, true, false)

	t.Run("skips limited candidates", func(t *testing.T) {
		preferred, ok := m.SelectPreferred([]string{limitedA, unlimitedB, unlimitedC})
		require.True(t, ok)
		assert.Equal(t, unlimitedB, preferred)
	})

	t.Run("all limited yields none", func(t *testing.T) {
		limitedB := addAccount(t, reg, true, true)
		_, ok := m.SelectPreferred([]string{limitedA, limitedB})
		assert.False(t, ok)
	})

	t.Run("unknown keys are skipped", func(t *testing.T) {
		preferred, ok := m.SelectPreferred([]string{"sk-0000000000000000", unlimitedB})
		require.True(t, ok)
		assert.Equal(t, unlimitedB, preferred)
	})
}

func admit(t *testing.T, m *AuthMiddleware, authHeader string) (*httptest.ResponseRecorder, *Admission) {
	t.Helper()

	var captured *Admission
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := AdmissionFrom(r.Context()); ok {
			captured = &a
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, captured
}

func TestAuthMiddleware_Handler(t *testing.T) {
	t.Run("malformed header is rejected with 401", func(t *testing.T) {
		m := NewAuthMiddleware(newTestRegistry(t))
		rec, admission := admit(t, m, "not-a-key")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, admission)
	})

	t.Run("missing header is rejected with 401", func(t *testing.T) {
		m := NewAuthMiddleware(newTestRegistry(t))
		rec, _ := admit(t, m, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key is rejected with 401", func(t *testing.T) {
		m := NewAuthMiddleware(newTestRegistry(t))
		rec, _ := admit(t, m, "sk-0000000000000000")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("account without session token is a 400 configuration error", func(t *testing.T) {
		reg := newTestRegistry(t)
		m := NewAuthMiddleware(reg)
		apiKey := addAccount(t, reg, false, false)

		rec, _ := admit(t, m, apiKey)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("preferred candidate is attached unlimited", func(t *testing.T) {
		reg := newTestRegistry(t)
		m := NewAuthMiddleware(reg)
		limited := addAccount(t, reg, true, true)
		unlimited := addAccount(t, reg, true, false)

		rec, admission := admit(t, m, limited+","+unlimited)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, admission)
		assert.Equal(t, unlimited, admission.APIKey)
		assert.False(t, admission.Limited)
		assert.Equal(t, []string{limited, unlimited}, admission.Candidates)
	})

	t.Run("all limited falls back to the first usable, flagged", func(t *testing.T) {
		reg := newTestRegistry(t)
		m := NewAuthMiddleware(reg)
		limitedA := addAccount(t, reg, true, true)
		limitedB := addAccount(t, reg, true, true)

		rec, admission := admit(t, m, limitedA+","+limitedB)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, admission)
		assert.Equal(t, limitedA, admission.APIKey)
		assert.True(t, admission.Limited)
	})

	t.Run("candidates exclude accounts without session tokens", func(t *testing.T) {
		reg := newTestRegistry(t)
		m := NewAuthMiddleware(reg)
		noSession := addAccount(t, reg, false, false)
		usable := addAccount(t, reg, true, false)

		rec, admission := admit(t, m, noSession+","+usable)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, admission)
		assert.Equal(t, usable, admission.APIKey)
		assert.Equal(t, []string{usable}, admission.Candidates)
	})
}
