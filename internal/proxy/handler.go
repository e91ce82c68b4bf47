package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/httputil"
	"github.com/openclaw/copilot-gateway/internal/middleware"
	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/upstream"
	"github.com/openclaw/copilot-gateway/internal/util"
)

const maxRequestBodyBytes = 10 << 20

// Forwarder relays an opaque request body upstream with a session token.
type Forwarder interface {
	Forward(ctx context.Context, sessionToken, path string, body []byte) ([]byte, error)
	FetchModels(ctx context.Context, sessionToken string) ([]byte, error)
}

// Handler serves the proxied completion endpoints. It is deliberately
// thin: admission and candidate ordering come from the auth middleware,
// retry arbitration from Failover, and accounting from the registry.
type Handler struct {
	failover  *Failover
	forwarder Forwarder
	registry  *registry.Registry
}

func NewHandler(failover *Failover, forwarder Forwarder, reg *registry.Registry) *Handler {
	return &Handler{failover: failover, forwarder: forwarder, registry: reg}
}

func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "/chat/completions")
}

func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.forward(w, r, "/embeddings")
}

// Models relays the upstream model catalog for the admitted account.
// Catalog reads carry no token usage, so nothing is billed.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	admission, ok := middleware.AdmissionFrom(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "No account found")
		return
	}

	respBody, err := h.forwarder.FetchModels(r.Context(), admission.Account.CopilotToken)
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	if admission.Limited {
		w.Header().Set("X-Quota-Limited", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, path string) {
	admission, ok := middleware.AdmissionFrom(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "No account found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var respBody []byte
	usedKey, err := h.failover.Do(r.Context(), admission.Candidates,
		func(ctx context.Context, apiKey string, account model.Account) error {
			out, attemptErr := h.forwarder.Forward(ctx, account.CopilotToken, path, body)
			if attemptErr != nil {
				return attemptErr
			}
			respBody = out
			return nil
		})
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}

	tokens, modelName := extractUsage(body, respBody)
	h.registry.RecordUsage(usedKey, tokens, modelName)

	log.Debug().
		Str("apiKey", util.MaskKey(usedKey)).
		Str("path", path).
		Bool("limited", admission.Limited).
		Msg("request proxied")

	if admission.Limited {
		w.Header().Set("X-Quota-Limited", "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrAllCandidatesExhausted) {
		httputil.WriteError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		httputil.WriteError(w, statusErr.StatusCode, statusErr.Error())
		return
	}
	httputil.WriteError(w, http.StatusBadGateway, err.Error())
}

// extractUsage pulls the billed token count from the upstream response and
// the model name from the request payload. Both are best-effort: a payload
// that does not parse counts as zero tokens.
func extractUsage(reqBody, respBody []byte) (int64, string) {
	var req struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(reqBody, &req)

	var resp struct {
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	_ = json.Unmarshal(respBody, &resp)

	return resp.Usage.TotalTokens, req.Model
}
