package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultWebBaseURL = "https://github.com"
	defaultAPIBaseURL = "https://api.github.com"

	deviceCodeGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	maxResponseBodyBytes = 1 << 20

	editorVersion       = "vscode/1.85.0"
	editorPluginVersion = "copilot-chat/0.11.1"
)

// Client talks to the GitHub OAuth device-flow and Copilot token
// endpoints. The gateway treats it as an opaque collaborator: three calls
// plus an identity lookup.
type Client struct {
	webBaseURL string
	apiBaseURL string
	clientID   string
	httpClient *http.Client
}

type Options struct {
	WebBaseURL string
	APIBaseURL string
	ClientID   string
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	c := &Client{
		webBaseURL: opts.WebBaseURL,
		apiBaseURL: opts.APIBaseURL,
		clientID:   opts.ClientID,
		httpClient: opts.HTTPClient,
	}
	if c.webBaseURL == "" {
		c.webBaseURL = defaultWebBaseURL
	}
	if c.apiBaseURL == "" {
		c.apiBaseURL = defaultAPIBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// DeviceCode is the response of a device-flow initiation: the user enters
// UserCode at VerificationURI while the server polls with DeviceCode.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartDeviceFlow initiates the device-authorization handshake. No account
// state is touched.
func (c *Client) StartDeviceFlow(ctx context.Context) (DeviceCode, error) {
	var out DeviceCode
	err := c.postJSON(ctx, c.webBaseURL+"/login/device/code", map[string]string{
		"client_id": c.clientID,
		"scope":     "read:user",
	}, &out)
	if err != nil {
		return DeviceCode{}, fmt.Errorf("start device flow: %w", err)
	}
	if out.DeviceCode == "" || out.UserCode == "" || out.VerificationURI == "" {
		return DeviceCode{}, fmt.Errorf("start device flow: response missing required fields")
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return out, nil
}

// PollOutcome tags one poll attempt. Pending and SlowDown mean keep
// polling after backing off; Expired and Denied are terminal.
type PollOutcome int

const (
	PollSuccess PollOutcome = iota
	PollPending
	PollSlowDown
	PollExpired
	PollDenied
)

func (o PollOutcome) String() string {
	switch o {
	case PollSuccess:
		return "success"
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollExpired:
		return "expired"
	case PollDenied:
		return "denied"
	default:
		return "unknown"
	}
}

type PollResult struct {
	Outcome     PollOutcome
	AccessToken string
}

// PollDeviceFlow makes a single poll attempt for the device flow's access
// token. Upstream reports the non-success states in the response body, so
// they surface as tagged outcomes rather than errors; only transport and
// protocol failures return a non-nil error.
func (c *Client) PollDeviceFlow(ctx context.Context, deviceCode string) (PollResult, error) {
	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	err := c.postJSON(ctx, c.webBaseURL+"/login/oauth/access_token", map[string]string{
		"client_id":   c.clientID,
		"device_code": deviceCode,
		"grant_type":  deviceCodeGrantType,
	}, &out)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll device flow: %w", err)
	}

	switch {
	case out.AccessToken != "":
		return PollResult{Outcome: PollSuccess, AccessToken: out.AccessToken}, nil
	case out.Error == "authorization_pending":
		return PollResult{Outcome: PollPending}, nil
	case out.Error == "slow_down":
		return PollResult{Outcome: PollSlowDown}, nil
	case out.Error == "expired_token":
		return PollResult{Outcome: PollExpired}, nil
	case out.Error == "access_denied":
		return PollResult{Outcome: PollDenied}, nil
	default:
		return PollResult{}, fmt.Errorf("poll device flow: unexpected response %q", out.Error)
	}
}

// SessionToken is a short-lived Copilot token derived from a GitHub OAuth
// token. RefreshIn is the upstream-advertised refresh cadence in seconds.
type SessionToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	RefreshIn int    `json:"refresh_in"`
}

// MintSessionToken exchanges a GitHub token for a fresh Copilot session
// token.
func (c *Client) MintSessionToken(ctx context.Context, githubToken string) (SessionToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/copilot_internal/v2/token", nil)
	if err != nil {
		return SessionToken{}, fmt.Errorf("mint session token: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)
	req.Header.Set("Editor-Version", editorVersion)
	req.Header.Set("Editor-Plugin-Version", editorPluginVersion)

	var out SessionToken
	if err := c.do(req, &out); err != nil {
		return SessionToken{}, fmt.Errorf("mint session token: %w", err)
	}
	if out.Token == "" {
		return SessionToken{}, fmt.Errorf("mint session token: response missing token")
	}
	return out, nil
}

type User struct {
	Login string `json:"login"`
}

// FetchUser resolves the identity behind a GitHub token.
func (c *Client) FetchUser(ctx context.Context, githubToken string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/user", nil)
	if err != nil {
		return User{}, fmt.Errorf("fetch user: %w", err)
	}
	req.Header.Set("Authorization", "token "+githubToken)

	var out User
	if err := c.do(req, &out); err != nil {
		return User{}, fmt.Errorf("fetch user: %w", err)
	}
	if out.Login == "" {
		return User{}, fmt.Errorf("fetch user: response missing login")
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.Unmarshal(body, out)
}
