package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/store"
	"github.com/openclaw/copilot-gateway/internal/util"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrDuplicateIdentity = errors.New("github account already registered")
)

const maxKeyGenAttempts = 5

// Registry is the in-memory account table and the single source of truth
// for every other component. All mutations go through it and are followed
// by a full-registry flush to the durable store: synchronously for
// create/delete, best-effort for usage updates.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	store    *store.FileStore

	now func() time.Time
}

// New loads the registry from the store. A missing or corrupt dump yields
// an empty registry rather than a startup failure.
func New(fs *store.FileStore) *Registry {
	r := &Registry{
		accounts: fs.Load(),
		store:    fs,
		now:      time.Now,
	}
	log.Info().Int("accounts", len(r.accounts)).Msg("loaded accounts from disk")
	return r
}

type Entry struct {
	APIKey  string
	Account model.Account
}

// Register creates an account for the given upstream credential, issues a
// collision-checked API key, and flushes synchronously before returning.
func (r *Registry) Register(githubToken string, accountType model.AccountType) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var apiKey string
	for i := 0; ; i++ {
		key, err := util.GenerateAPIKey()
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		if _, exists := r.accounts[key]; !exists {
			apiKey = key
			break
		}
		if i >= maxKeyGenAttempts {
			return "", errors.New("could not generate a unique api key")
		}
	}

	now := r.now()
	r.accounts[apiKey] = &model.Account{
		GithubToken: githubToken,
		AccountType: accountType,
		CreatedAt:   now,
		LastUsed:    now,
		Usage: model.UsageStats{
			LastResetDate: model.UTCDate(now),
		},
	}

	if err := r.persistLocked(); err != nil {
		delete(r.accounts, apiKey)
		return "", fmt.Errorf("persist new account: %w", err)
	}

	log.Info().Str("apiKey", util.MaskKey(apiKey)).Str("accountType", string(accountType)).Msg("account created")
	return apiKey, nil
}

// Lookup returns a snapshot of the account for apiKey and touches its
// LastUsed timestamp. Keys failing format validation are rejected before
// the table is consulted.
func (r *Registry) Lookup(apiKey string) (model.Account, bool) {
	if !util.ValidAPIKey(apiKey) {
		return model.Account{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[apiKey]
	if !ok {
		return model.Account{}, false
	}
	now := r.now()
	resetDailyIfStale(&account.Usage, model.UTCDate(now))
	account.LastUsed = now
	return snapshot(account), true
}

// Update applies mutate to the account under the registry lock, touches
// LastUsed, and flushes synchronously.
func (r *Registry) Update(apiKey string, mutate func(*model.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[apiKey]
	if !ok {
		return ErrAccountNotFound
	}
	mutate(account)
	account.LastUsed = r.now()
	return r.persistLocked()
}

// Remove deletes the account and flushes synchronously. It reports whether
// an account existed under apiKey.
func (r *Registry) Remove(apiKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[apiKey]; !ok {
		return false, nil
	}
	delete(r.accounts, apiKey)
	if err := r.persistLocked(); err != nil {
		return true, fmt.Errorf("persist after delete: %w", err)
	}
	log.Info().Str("apiKey", util.MaskKey(apiKey)).Msg("account deleted")
	return true, nil
}

// List returns a snapshot of every entry in insertion-independent order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.accounts))
	for key, account := range r.accounts {
		entries = append(entries, Entry{APIKey: key, Account: snapshot(account)})
	}
	return entries
}

type Stats struct {
	Total            int `json:"total"`
	WithCopilotToken int `json:"withCopilotToken"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.accounts)}
	for _, account := range r.accounts {
		if account.HasSession() {
			stats.WithCopilotToken++
		}
	}
	return stats
}

// UsernameExists reports whether an account with a resolved identity
// matching username is already registered. Accounts whose identity has not
// been resolved yet never match.
func (r *Registry) UsernameExists(username string) bool {
	if username == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, account := range r.accounts {
		if account.Username == username {
			return true
		}
	}
	return false
}

// Flush persists the registry synchronously.
func (r *Registry) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persistLocked()
}

// FlushAsync persists the registry in the background. Failures are logged,
// never surfaced: best-effort durability must not break request serving.
func (r *Registry) FlushAsync() {
	go func() {
		if err := r.Flush(); err != nil {
			log.Error().Err(err).Msg("background registry flush failed")
		}
	}()
}

// persistLocked writes the full registry dump. Callers must hold at least
// a read lock.
func (r *Registry) persistLocked() error {
	return r.store.Save(r.accounts)
}

func snapshot(a *model.Account) model.Account {
	out := *a
	out.Usage.RequestHistory = append([]model.RequestRecord(nil), a.Usage.RequestHistory...)
	return out
}
