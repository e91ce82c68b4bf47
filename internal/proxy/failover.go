package proxy

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/upstream"
	"github.com/openclaw/copilot-gateway/internal/util"
)

// ErrAllCandidatesExhausted means every candidate account hit its quota.
var ErrAllCandidatesExhausted = errors.New("all accounts hit rate limits, try again later")

// Attempt is one upstream call made with a specific account.
type Attempt func(ctx context.Context, apiKey string, account model.Account) error

// Failover walks an ordered candidate list and retries the attempt against
// the next candidate only when the failure is quota-classified. Any other
// error aborts immediately. The walk is linear and stateless: candidate
// order is the caller's, and nothing about which key won is remembered
// beyond the current request.
type Failover struct {
	registry *registry.Registry
}

func NewFailover(reg *registry.Registry) *Failover {
	return &Failover{registry: reg}
}

// Do returns the key whose attempt succeeded. Candidates that no longer
// resolve to a usable account (deleted or token lost since admission) are
// skipped.
func (f *Failover) Do(ctx context.Context, candidates []string, attempt Attempt) (string, error) {
	for _, key := range candidates {
		account, ok := f.registry.Lookup(key)
		if !ok || !account.HasSession() {
			continue
		}

		err := attempt(ctx, key, account)
		if err == nil {
			return key, nil
		}
		if upstream.IsQuotaError(err) {
			log.Warn().
				Str("apiKey", util.MaskKey(key)).
				Err(err).
				Msg("account rate limited, trying next candidate")
			continue
		}
		return key, err
	}
	return "", ErrAllCandidatesExhausted
}
