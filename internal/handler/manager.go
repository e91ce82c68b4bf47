package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/credential"
	"github.com/openclaw/copilot-gateway/internal/httputil"
	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/upstream"
	"github.com/openclaw/copilot-gateway/internal/util"
)

// ModelSource fetches the upstream model catalog for a session token.
type ModelSource interface {
	FetchModels(ctx context.Context, sessionToken string) ([]byte, error)
}

// ManagerHandler is the operator API: account listings, device-flow driven
// account creation, usage reads, model catalog lookups, deletion.
// Credential values never leave the process through it.
type ManagerHandler struct {
	registry    *registry.Registry
	credentials *credential.Manager
	client      credential.Authenticator
	models      ModelSource

	mu      sync.Mutex
	pending map[string]pendingFlow
}

// pendingFlow is a device flow started via the manager API and not yet
// resolved. Keyed by a server-issued flow ID so raw device codes never
// round-trip through the operator UI.
type pendingFlow struct {
	code        upstream.DeviceCode
	accountType model.AccountType
	expiresAt   time.Time
}

func NewManagerHandler(reg *registry.Registry, credentials *credential.Manager, client credential.Authenticator, models ModelSource) *ManagerHandler {
	return &ManagerHandler{
		registry:    reg,
		credentials: credentials,
		client:      client,
		models:      models,
		pending:     make(map[string]pendingFlow),
	}
}

func (h *ManagerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/accounts", h.ListAccounts)
	r.Post("/auth/start", h.StartAuth)
	r.Post("/auth/poll", h.PollAuth)
	r.Get("/usage/{apiKey}", h.Usage)
	r.Get("/models/{apiKey}", h.Models)
	r.Delete("/accounts/{apiKey}", h.DeleteAccount)
	return r
}

func (h *ManagerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.registry.Stats())
}

func (h *ManagerHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.List()

	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		result = append(result, map[string]any{
			"apiKey":       entry.APIKey,
			"username":     entry.Account.Username,
			"accountType":  entry.Account.AccountType,
			"copilotToken": entry.Account.HasSession(),
			"createdAt":    entry.Account.CreatedAt.Format(time.RFC3339),
			"lastUsed":     entry.Account.LastUsed.Format(time.RFC3339),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type startAuthRequest struct {
	AccountType string `json:"accountType"`
}

func (h *ManagerHandler) StartAuth(w http.ResponseWriter, r *http.Request) {
	var req startAuthRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	code, err := h.credentials.BeginDeviceFlow(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manager: failed to start device flow")
		httputil.WriteError(w, http.StatusBadGateway, "Failed to start authentication")
		return
	}

	flowID := uuid.NewString()
	h.mu.Lock()
	h.prunePendingLocked()
	h.pending[flowID] = pendingFlow{
		code:        code,
		accountType: model.ParseAccountType(req.AccountType),
		expiresAt:   time.Now().Add(time.Duration(code.ExpiresIn) * time.Second),
	}
	h.mu.Unlock()

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"flowId":          flowID,
		"userCode":        code.UserCode,
		"verificationUri": code.VerificationURI,
		"interval":        code.Interval,
		"expiresIn":       code.ExpiresIn,
	})
}

type pollAuthRequest struct {
	FlowID string `json:"flowId"`
}

// PollAuth performs a single poll step for a pending flow. On success it
// resolves the GitHub identity, rejects duplicates, creates the account,
// and activates its session token.
func (h *ManagerHandler) PollAuth(w http.ResponseWriter, r *http.Request) {
	var req pollAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FlowID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "flowId is required")
		return
	}

	h.mu.Lock()
	flow, ok := h.pending[req.FlowID]
	h.mu.Unlock()
	if !ok || time.Now().After(flow.expiresAt) {
		h.dropFlow(req.FlowID)
		httputil.WriteError(w, http.StatusBadRequest, "expired_token")
		return
	}

	result, err := h.client.PollDeviceFlow(r.Context(), flow.code.DeviceCode)
	if err != nil {
		log.Error().Err(err).Msg("manager: device flow poll failed")
		httputil.WriteError(w, http.StatusBadGateway, "Failed to authenticate")
		return
	}

	switch result.Outcome {
	case upstream.PollPending:
		httputil.WriteError(w, http.StatusBadRequest, "authorization_pending")
		return
	case upstream.PollSlowDown:
		httputil.WriteError(w, http.StatusBadRequest, "slow_down")
		return
	case upstream.PollExpired:
		h.dropFlow(req.FlowID)
		httputil.WriteError(w, http.StatusBadRequest, "expired_token")
		return
	case upstream.PollDenied:
		h.dropFlow(req.FlowID)
		httputil.WriteError(w, http.StatusBadRequest, "access_denied")
		return
	}

	user, err := h.client.FetchUser(r.Context(), result.AccessToken)
	if err != nil {
		log.Error().Err(err).Msg("manager: failed to resolve github user")
		httputil.WriteError(w, http.StatusBadGateway, "Failed to resolve GitHub user")
		return
	}

	if h.registry.UsernameExists(user.Login) {
		h.dropFlow(req.FlowID)
		httputil.WriteJSON(w, http.StatusConflict, map[string]string{
			"error":   "github_account_exists",
			"message": "GitHub account \"" + user.Login + "\" is already registered. Use a different account.",
		})
		return
	}

	apiKey, err := h.registry.Register(result.AccessToken, flow.accountType)
	if err != nil {
		log.Error().Err(err).Msg("manager: failed to create account")
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to create account")
		return
	}
	if err := h.registry.Update(apiKey, func(a *model.Account) {
		a.Username = user.Login
	}); err != nil {
		log.Error().Err(err).Str("apiKey", util.MaskKey(apiKey)).Msg("manager: failed to store username")
	}

	// Session-token setup is best-effort at creation time: the operator
	// can re-trigger it later via the device flow if it fails here.
	if err := h.credentials.Activate(r.Context(), apiKey); err != nil {
		log.Warn().Err(err).Str("username", user.Login).Msg("manager: session token setup failed")
	}

	h.dropFlow(req.FlowID)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"apiKey":   apiKey,
		"username": user.Login,
	})
}

func (h *ManagerHandler) Usage(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	if !util.ValidAPIKey(apiKey) {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid API key format")
		return
	}

	usage, limits, accountType, err := h.registry.Usage(apiKey)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Account not found")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"usage":       usage,
		"limits":      limits,
		"accountType": accountType,
	})
}

// Models returns the upstream model catalog visible to an account's
// session token, relayed verbatim.
func (h *ManagerHandler) Models(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	if !util.ValidAPIKey(apiKey) {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid API key format")
		return
	}

	account, ok := h.registry.Lookup(apiKey)
	if !ok {
		httputil.WriteError(w, http.StatusNotFound, "Account not found")
		return
	}
	if !account.HasSession() {
		httputil.WriteError(w, http.StatusBadRequest, "Account has no active Copilot token")
		return
	}

	body, err := h.models.FetchModels(r.Context(), account.CopilotToken)
	if err != nil {
		log.Error().Err(err).Str("apiKey", util.MaskKey(apiKey)).Msg("manager: failed to fetch models")
		httputil.WriteError(w, http.StatusBadGateway, "Failed to get models")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *ManagerHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	apiKey := chi.URLParam(r, "apiKey")
	if !util.ValidAPIKey(apiKey) {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid API key format")
		return
	}

	h.credentials.CancelAutoRefresh(apiKey)
	removed, err := h.registry.Remove(apiKey)
	if err != nil {
		log.Error().Err(err).Str("apiKey", util.MaskKey(apiKey)).Msg("manager: failed to delete account")
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	if !removed {
		httputil.WriteError(w, http.StatusNotFound, "Account not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *ManagerHandler) dropFlow(flowID string) {
	h.mu.Lock()
	delete(h.pending, flowID)
	h.mu.Unlock()
}

// prunePendingLocked drops flows whose device codes have expired. Caller
// holds h.mu.
func (h *ManagerHandler) prunePendingLocked() {
	now := time.Now()
	for id, flow := range h.pending {
		if now.After(flow.expiresAt) {
			delete(h.pending, id)
		}
	}
}
