package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/copilot-gateway/internal/model"
	"github.com/openclaw/copilot-gateway/internal/registry"
	"github.com/openclaw/copilot-gateway/internal/upstream"
	"github.com/openclaw/copilot-gateway/internal/util"
)

var (
	ErrDeviceFlowExpired = errors.New("device code expired, restart the flow")
	ErrDeviceFlowDenied  = errors.New("authorization denied by user")
)

const (
	// pollSafetyMargin pads the upstream-advertised poll interval.
	pollSafetyMargin = 1 * time.Second
	// slowDownPenalty is added on top when upstream asks to slow down.
	slowDownPenalty = 2 * time.Second
	// refreshMargin fires the auto-refresh this long before the
	// advertised refresh deadline.
	refreshMargin = 60 * time.Second

	minRefreshInterval = 60 * time.Second
)

// Authenticator is the upstream collaborator the manager drives: device
// flow initiation and polling, session-token exchange, identity lookup.
type Authenticator interface {
	StartDeviceFlow(ctx context.Context) (upstream.DeviceCode, error)
	PollDeviceFlow(ctx context.Context, deviceCode string) (upstream.PollResult, error)
	MintSessionToken(ctx context.Context, githubToken string) (upstream.SessionToken, error)
	FetchUser(ctx context.Context, githubToken string) (upstream.User, error)
}

// Manager owns the credential lifecycle of every account: the device-code
// handshake that obtains the upstream credential, the exchange for a
// session token, and the recurring background refresh of that token.
type Manager struct {
	client   Authenticator
	registry *registry.Registry

	mu         sync.Mutex
	refreshers map[string]*Refresher

	sleep func(time.Duration)
}

func NewManager(client Authenticator, reg *registry.Registry) *Manager {
	return &Manager{
		client:     client,
		registry:   reg,
		refreshers: make(map[string]*Refresher),
		sleep:      time.Sleep,
	}
}

// BeginDeviceFlow starts the upstream device-authorization handshake. No
// account is created or mutated yet.
func (m *Manager) BeginDeviceFlow(ctx context.Context) (upstream.DeviceCode, error) {
	return m.client.StartDeviceFlow(ctx)
}

// WaitForCredential polls the device flow until a terminal outcome. On
// pending it sleeps for the advertised interval plus a one-second safety
// margin; on slow_down it adds a further fixed penalty. There is no
// attempt cap: the loop is bounded only by the device code's own expiry.
func (m *Manager) WaitForCredential(ctx context.Context, code upstream.DeviceCode) (string, error) {
	interval := time.Duration(code.Interval)*time.Second + pollSafetyMargin

	for {
		result, err := m.client.PollDeviceFlow(ctx, code.DeviceCode)
		if err != nil {
			return "", err
		}

		switch result.Outcome {
		case upstream.PollSuccess:
			return result.AccessToken, nil
		case upstream.PollPending:
			m.sleep(interval)
		case upstream.PollSlowDown:
			m.sleep(interval + slowDownPenalty)
		case upstream.PollExpired:
			return "", ErrDeviceFlowExpired
		case upstream.PollDenied:
			return "", ErrDeviceFlowDenied
		default:
			return "", fmt.Errorf("unexpected poll outcome %v", result.Outcome)
		}
	}
}

// Mint exchanges the account's upstream credential for a fresh session
// token and stores it on the record immediately. On failure the previous
// token stays in place so in-flight requests keep working until the next
// successful refresh.
func (m *Manager) Mint(ctx context.Context, apiKey string) (upstream.SessionToken, error) {
	account, ok := m.registry.Lookup(apiKey)
	if !ok {
		return upstream.SessionToken{}, registry.ErrAccountNotFound
	}

	token, err := m.client.MintSessionToken(ctx, account.GithubToken)
	if err != nil {
		return upstream.SessionToken{}, err
	}

	if err := m.registry.Update(apiKey, func(a *model.Account) {
		a.CopilotToken = token.Token
	}); err != nil {
		return upstream.SessionToken{}, err
	}
	return token, nil
}

// Activate mints a session token for the account and schedules its
// unattended refresh.
func (m *Manager) Activate(ctx context.Context, apiKey string) error {
	token, err := m.Mint(ctx, apiKey)
	if err != nil {
		return fmt.Errorf("setup session token: %w", err)
	}
	m.ScheduleAutoRefresh(apiKey, token.RefreshIn)
	return nil
}

// ScheduleAutoRefresh arranges a recurring re-mint firing refreshMargin
// before the advertised deadline. A refresh failure is logged and leaves
// the schedule running; the next attempt still fires. Any previous
// schedule for the key is replaced.
func (m *Manager) ScheduleAutoRefresh(apiKey string, refreshInSeconds int) {
	interval := time.Duration(refreshInSeconds)*time.Second - refreshMargin
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}

	refresher := NewRefresher(interval, func() {
		if _, err := m.Mint(context.Background(), apiKey); err != nil {
			log.Error().Err(err).Str("apiKey", util.MaskKey(apiKey)).Msg("session token refresh failed")
			return
		}
		log.Info().Str("apiKey", util.MaskKey(apiKey)).Msg("session token refreshed")
	})

	m.mu.Lock()
	if prev, ok := m.refreshers[apiKey]; ok {
		prev.Stop()
	}
	m.refreshers[apiKey] = refresher
	m.mu.Unlock()

	refresher.Start()
}

// CancelAutoRefresh stops the recurring refresh for apiKey, if any.
func (m *Manager) CancelAutoRefresh(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if refresher, ok := m.refreshers[apiKey]; ok {
		refresher.Stop()
		delete(m.refreshers, apiKey)
	}
}

// StopAll cancels every scheduled refresh. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, refresher := range m.refreshers {
		refresher.Stop()
		delete(m.refreshers, key)
	}
}

// ActivateAll mints tokens and schedules refresh for every stored account
// holding an upstream credential. Individual failures are logged and
// skipped so one bad account cannot block boot.
func (m *Manager) ActivateAll(ctx context.Context) {
	for _, entry := range m.registry.List() {
		if entry.Account.GithubToken == "" {
			continue
		}
		if err := m.Activate(ctx, entry.APIKey); err != nil {
			log.Error().Err(err).
				Str("apiKey", util.MaskKey(entry.APIKey)).
				Str("username", entry.Account.Username).
				Msg("failed to activate account")
			continue
		}
		log.Info().
			Str("apiKey", util.MaskKey(entry.APIKey)).
			Str("username", entry.Account.Username).
			Msg("account activated")
	}
}
