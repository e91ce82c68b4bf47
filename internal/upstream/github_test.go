package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		WebBaseURL: srv.URL,
		APIBaseURL: srv.URL,
		ClientID:   "test-client",
	})
}

func TestStartDeviceFlow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login/device/code", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-client", body["client_id"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://github.com/login/device",
			"expires_in":       900,
			"interval":         5,
		})
	})

	code, err := client.StartDeviceFlow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dev-123", code.DeviceCode)
	assert.Equal(t, "ABCD-1234", code.UserCode)
	assert.Equal(t, 5, code.Interval)
}

func TestPollDeviceFlow(t *testing.T) {
	cases := []struct {
		name     string
		response map[string]string
		outcome  PollOutcome
	}{
		{"success", map[string]string{"access_token": "ghu_abc"}, PollSuccess},
		{"pending", map[string]string{"error": "authorization_pending"}, PollPending},
		{"slow down", map[string]string{"error": "slow_down"}, PollSlowDown},
		{"expired", map[string]string{"error": "expired_token"}, PollExpired},
		{"denied", map[string]string{"error": "access_denied"}, PollDenied},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/login/oauth/access_token", r.URL.Path)
				_ = json.NewEncoder(w).Encode(tc.response)
			})

			result, err := client.PollDeviceFlow(context.Background(), "dev-123")
			require.NoError(t, err)
			assert.Equal(t, tc.outcome, result.Outcome)
			if tc.outcome == PollSuccess {
				assert.Equal(t, "ghu_abc", result.AccessToken)
			}
		})
	}

	t.Run("unexpected error code", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		})

		_, err := client.PollDeviceFlow(context.Background(), "dev-123")
		assert.Error(t, err)
	})
}

func TestMintSessionToken(t *testing.T) {
	t.Run("exchanges the github token", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/copilot_internal/v2/token", r.URL.Path)
			assert.Equal(t, "token ghu_abc", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"token":      "tid=abc;exp=123",
				"expires_at": 123,
				"refresh_in": 1500,
			})
		})

		token, err := client.MintSessionToken(context.Background(), "ghu_abc")
		require.NoError(t, err)
		assert.Equal(t, "tid=abc;exp=123", token.Token)
		assert.Equal(t, 1500, token.RefreshIn)
	})

	t.Run("non-2xx surfaces as StatusError", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"rate limited"}`))
		})

		_, err := client.MintSessionToken(context.Background(), "ghu_abc")
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
		assert.True(t, IsQuotaError(err))
	})
}

func TestFetchUser(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"login": "octocat"})
	})

	user, err := client.FetchUser(context.Background(), "ghu_abc")
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Login)
}
