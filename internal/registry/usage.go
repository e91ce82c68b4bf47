package registry

import (
	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/util"
)

// RecordUsage accounts one proxied request against apiKey: lazy daily
// reset, counter increments, bounded history append, then a best-effort
// background flush. It never fails the enclosing request; an unknown key
// is ignored.
func (r *Registry) RecordUsage(apiKey string, tokens int64, modelName string) {
	r.mu.Lock()

	account, ok := r.accounts[apiKey]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.now()
	resetDailyIfStale(&account.Usage, model.UTCDate(now))

	account.Usage.TotalRequests++
	account.Usage.TotalTokens += tokens
	account.Usage.DailyRequests++
	account.Usage.DailyTokens += tokens

	account.Usage.RequestHistory = append(account.Usage.RequestHistory, model.RequestRecord{
		Timestamp: now,
		Tokens:    tokens,
		Model:     modelName,
	})
	if n := len(account.Usage.RequestHistory); n > model.RequestHistoryCap {
		account.Usage.RequestHistory = account.Usage.RequestHistory[n-model.RequestHistoryCap:]
	}
	account.LastUsed = now
	r.mu.Unlock()

	log.Debug().
		Str("apiKey", util.MaskKey(apiKey)).
		Str("model", modelName).
		Int64("tokens", tokens).
		Msg("usage recorded")

	r.FlushAsync()
}

// Usage returns the current ledger for apiKey, applying the lazy daily
// reset first so callers never observe stale daily counters.
func (r *Registry) Usage(apiKey string) (model.UsageStats, model.Limits, model.AccountType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[apiKey]
	if !ok {
		return model.UsageStats{}, model.Limits{}, "", ErrAccountNotFound
	}

	resetDailyIfStale(&account.Usage, model.UTCDate(r.now()))

	usage := account.Usage
	usage.RequestHistory = append([]model.RequestRecord(nil), account.Usage.RequestHistory...)
	return usage, model.LimitsFor(account.AccountType), account.AccountType, nil
}

// resetDailyIfStale zeroes the daily counters the first time the ledger is
// touched on a new UTC calendar day. Lifetime counters are never reset.
func resetDailyIfStale(u *model.UsageStats, today string) {
	if u.LastResetDate == today {
		return
	}
	u.DailyRequests = 0
	u.DailyTokens = 0
	u.LastResetDate = today
}
