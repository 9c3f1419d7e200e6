package domain

import (
	"github.com/ethereum/go-ethereum/common"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
)

// PhaseName is the wire name of a phase.
type PhaseName string

const (
	PhaseIdle                   PhaseName = "idle"
	PhaseCheckingRelayerReady   PhaseName = "checking_relayer_ready"
	PhaseResolvingWallet        PhaseName = "resolving_wallet"
	PhaseRequestingAttestations PhaseName = "requesting_attestations"
	PhaseRevealingAttestations  PhaseName = "revealing_attestations"
	PhaseAwaitingCodes          PhaseName = "awaiting_codes"
	PhaseCompleting             PhaseName = "completing"
	PhaseSucceeded              PhaseName = "succeeded"
	PhaseFailed                 PhaseName = "failed"
)

// Terminal reports whether no further transition can happen without a new Start.
func (n PhaseName) Terminal() bool {
	return n == PhaseSucceeded || n == PhaseFailed
}

// Phase is the controller state. The concrete types below are the only
// implementations.
type Phase interface {
	Name() PhaseName
	isPhase()
}

type (
	Idle                 struct{}
	CheckingRelayerReady struct{}
	ResolvingWallet      struct {
		Relayed bool
	}
	RequestingAttestations struct {
		Account common.Address
		Relayed bool
	}
	RevealingAttestations struct{}
	AwaitingCodes         struct{}
	Completing            struct{}
	Succeeded             struct {
		Result attestations.Result
		// AlreadyVerified is set when wallet resolution found a verified account.
		AlreadyVerified bool
	}
	Failed struct {
		Err StatusError
	}
)

func (Idle) Name() PhaseName                   { return PhaseIdle }
func (CheckingRelayerReady) Name() PhaseName   { return PhaseCheckingRelayerReady }
func (ResolvingWallet) Name() PhaseName        { return PhaseResolvingWallet }
func (RequestingAttestations) Name() PhaseName { return PhaseRequestingAttestations }
func (RevealingAttestations) Name() PhaseName  { return PhaseRevealingAttestations }
func (AwaitingCodes) Name() PhaseName          { return PhaseAwaitingCodes }
func (Completing) Name() PhaseName             { return PhaseCompleting }
func (Succeeded) Name() PhaseName              { return PhaseSucceeded }
func (Failed) Name() PhaseName                 { return PhaseFailed }

func (Idle) isPhase()                   {}
func (CheckingRelayerReady) isPhase()   {}
func (ResolvingWallet) isPhase()        {}
func (RequestingAttestations) isPhase() {}
func (RevealingAttestations) isPhase()  {}
func (AwaitingCodes) isPhase()          {}
func (Completing) isPhase()             {}
func (Succeeded) isPhase()              {}
func (Failed) isPhase()                 {}

// acceptsCodes reports whether the inbox of the current attempt is live.
func acceptsCodes(p Phase) bool {
	switch p.(type) {
	case RequestingAttestations, RevealingAttestations, AwaitingCodes, Completing:
		return true
	}
	return false
}

// codesInFlight reports whether every unfinished slot already holds a code,
// which is when AwaitingCodes gives way to Completing.
func codesInFlight(slots []attestations.Slot) bool {
	pending := false
	for _, s := range slots {
		switch s.State {
		case attestations.StateValidating, attestations.StateCompleting:
			pending = true
		case attestations.StateCompleted, attestations.StateFailed:
		default:
			return false
		}
	}
	return pending
}
