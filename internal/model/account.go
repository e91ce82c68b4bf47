package model

import (
	"time"
)

type AccountType string

const (
	AccountTypeIndividual AccountType = "individual"
	AccountTypeBusiness   AccountType = "business"
)

// ParseAccountType maps an arbitrary string onto a known account type,
// falling back to individual.
func ParseAccountType(s string) AccountType {
	if AccountType(s) == AccountTypeBusiness {
		return AccountTypeBusiness
	}
	return AccountTypeIndividual
}

// Account is one registered upstream identity, keyed in the registry by
// the API key issued to the caller.
type Account struct {
	GithubToken  string      `json:"githubToken"`
	CopilotToken string      `json:"copilotToken,omitempty"`
	AccountType  AccountType `json:"accountType"`
	Username     string      `json:"username,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastUsed     time.Time   `json:"lastUsed"`
	Usage        UsageStats  `json:"usage"`
}

// HasSession reports whether the account currently holds a session token
// and is therefore usable for proxying.
func (a *Account) HasSession() bool {
	return a.CopilotToken != ""
}

type RequestRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Tokens    int64     `json:"tokens"`
	Model     string    `json:"model"`
}

// UsageStats are the per-account counters. Daily counters reflect the UTC
// calendar date stored in LastResetDate and are reset lazily on first
// touch of a new day, never by a timer.
type UsageStats struct {
	TotalRequests  int64           `json:"totalRequests"`
	TotalTokens    int64           `json:"totalTokens"`
	DailyRequests  int64           `json:"dailyRequests"`
	DailyTokens    int64           `json:"dailyTokens"`
	LastResetDate  string          `json:"lastResetDate"`
	RequestHistory []RequestRecord `json:"requestHistory"`
}

// RequestHistoryCap bounds RequestHistory; the oldest entries are dropped
// first once the cap is reached.
const RequestHistoryCap = 100

// Limits are the daily quota thresholds for one account type.
type Limits struct {
	DailyRequests int64 `json:"dailyRequests"`
	DailyTokens   int64 `json:"dailyTokens"`
}

var accountLimits = map[AccountType]Limits{
	AccountTypeIndividual: {DailyRequests: 2000, DailyTokens: 100_000},
	AccountTypeBusiness:   {DailyRequests: 5000, DailyTokens: 500_000},
}

// LimitsFor returns the quota thresholds for the given account type.
func LimitsFor(t AccountType) Limits {
	if l, ok := accountLimits[t]; ok {
		return l
	}
	return accountLimits[AccountTypeIndividual]
}

// quotaWarningRatio is the soft threshold: an account at or above 90% of
// either daily limit counts as quota-limited for candidate selection.
const quotaWarningRatio = 0.9

// IsQuotaLimited reports whether the account has crossed the soft quota
// threshold for its type. It is advisory: admission still proceeds with a
// limited account when no unlimited candidate exists.
func (a *Account) IsQuotaLimited() bool {
	l := LimitsFor(a.AccountType)
	return float64(a.Usage.DailyRequests) >= quotaWarningRatio*float64(l.DailyRequests) ||
		float64(a.Usage.DailyTokens) >= quotaWarningRatio*float64(l.DailyTokens)
}

// UTCDate formats t as the YYYY-MM-DD string used for lazy daily resets.
func UTCDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
