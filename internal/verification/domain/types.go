package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
)

// StartRequest begins a verification attempt.
type StartRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	HumanityProof string `json:"humanityProof,omitempty"`
	// Unrelayed forces the account to pay for every transaction itself.
	Unrelayed bool `json:"unrelayed,omitempty"`
}

// CodeRequest carries a message from one of the code channels.
type CodeRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	Index   *int   `json:"index,omitempty"`
}

// CodeResult reports where an accepted code went.
type CodeResult struct {
	Slot   int            `json:"slot"`
	Issuer common.Address `json:"issuer"`
	// Ignored reports a message without a code. It is not an error.
	Ignored bool `json:"ignored,omitempty"`
}

// ResetRequest names the phone number whose cached pepper should be dropped.
// An empty number falls back to the last attempt's.
type ResetRequest struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// StatusError is the recorded cause of a failed attempt.
type StatusError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	AttemptID   string              `json:"attemptId,omitempty"`
	Phase       PhaseName           `json:"phase"`
	PhoneNumber string              `json:"phoneNumber,omitempty"`
	Identifier  string              `json:"identifier,omitempty"`
	Account     string              `json:"account"`
	Relayed     bool                `json:"relayed"`
	Wallet      string              `json:"wallet,omitempty"`
	Revoked     bool                `json:"revoked,omitempty"`
	Completed   int                 `json:"completed"`
	Total       int                 `json:"total"`
	Slots       []attestations.Slot `json:"slots,omitempty"`
	Quota       *sessions.Quota     `json:"quota,omitempty"`
	Error       *StatusError        `json:"error,omitempty"`
	StartedAt   time.Time           `json:"startedAt,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Running reports whether an attempt is in flight.
func (s Status) Running() bool {
	return s.Phase != PhaseIdle && !s.Phase.Terminal()
}

// AttemptSummary is one row of the attempt history.
type AttemptSummary struct {
	ID          string       `json:"id"`
	PhoneNumber string       `json:"phoneNumber"`
	Phase       PhaseName    `json:"phase"`
	Relayed     bool         `json:"relayed"`
	Wallet      string       `json:"wallet,omitempty"`
	Completed   int          `json:"completed"`
	Total       int          `json:"total"`
	Revoked     bool         `json:"revoked,omitempty"`
	Error       *StatusError `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
}

// PaginationParams contains pagination options.
type PaginationParams struct {
	Limit  int
	Cursor string
}

// HistoryResult is a page of attempt history.
type HistoryResult struct {
	Attempts   []AttemptSummary
	HasMore    bool
	NextCursor string
}

// Settings tunes the controller.
type Settings struct {
	// RelayerEnabled turns on the relayed path. When false every attempt is unrelayed.
	RelayerEnabled bool
	Timeout        time.Duration
	Attestations   attestations.Settings
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		RelayerEnabled: true,
		Timeout:        10 * time.Minute,
		Attestations:   attestations.DefaultSettings(),
	}
}
