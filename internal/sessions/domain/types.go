package domain

import (
	"time"
)

// Quota is the relayer allowance remaining in a session.
type Quota struct {
	PepperFetchesLeft int `json:"pepperFetchesLeft"`
	AttestationsLeft  int `json:"attestationsLeft"`
	CompletionsLeft   int `json:"completionsLeft"`
}

// Usable reports whether the quota covers a full verification. Pepper quota
// only matters when no pepper is cached yet.
func (q Quota) Usable(pepperCached bool) bool {
	if q.AttestationsLeft <= 0 || q.CompletionsLeft <= 0 {
		return false
	}
	return pepperCached || q.PepperFetchesLeft > 0
}

// Session is the relayer session for one account.
type Session struct {
	Account          string      `json:"account"`
	Active           bool        `json:"active"`
	Token            string      `json:"-"`
	CallbackURL      string      `json:"callbackUrl,omitempty"`
	ExpiresAt        time.Time   `json:"expiresAt,omitempty"`
	Quota            Quota       `json:"quota"`
	ErrorTimestamps  []time.Time `json:"errorTimestamps,omitempty"`
	UnverifiedWallet string      `json:"unverifiedWallet,omitempty"`
}

// Grant is what the relayer hands out when a session starts.
type Grant struct {
	Token       string
	CallbackURL string
	ExpiresAt   time.Time
}

// ResumeRequest carries what ResumeOrStart needs to decide on a session.
type ResumeRequest struct {
	PhoneNumber   string
	PepperCached  bool
	HumanityProof string
}

// Result is returned by ResumeOrStart.
type Result struct {
	SessionActive bool `json:"sessionActive"`
}

// Settings tunes readiness polling and the error-rate circuit breaker.
type Settings struct {
	ReadinessRetries   int
	ReadinessBaseDelay time.Duration
	ReadinessTimeout   time.Duration
	ErrorWindow        time.Duration
	ErrorAllotment     int
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		ReadinessRetries:   3,
		ReadinessBaseDelay: 5 * time.Second,
		ReadinessTimeout:   5 * time.Second,
		ErrorWindow:        3 * time.Hour,
		ErrorAllotment:     2,
	}
}
