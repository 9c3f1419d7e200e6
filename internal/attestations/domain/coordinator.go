// Package domain drives the per-issuer attestation protocol of one verification
// attempt: request, reveal, code arbitration and completion.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/faults"
)

// CodeNoIncompleteAttestation is the reason code an issuer service reports
// when it has not yet seen the block that made it responsible.
const CodeNoIncompleteAttestation = "no_incomplete_attestation"

// Errors returned by the coordinator.
var (
	ErrTooManyActionable = errors.New("too many actionable attestations")
	ErrSelectionTimeout  = errors.New("issuers were not selected in time")
	ErrRevealFailed      = errors.New("reveal to issuer failed")
)

// RevealRequest asks an issuer service to send the code.
type RevealRequest struct {
	ServiceURL         string
	ServiceVersion     string
	Account            common.Address
	Issuer             common.Address
	PhoneNumber        string
	Salt               string
	SecurityCodePrefix string
}

// CodeRequest exchanges a short security code for the full attestation code.
type CodeRequest struct {
	ServiceURL   string
	Account      common.Address
	Issuer       common.Address
	PhoneNumber  string
	Salt         string
	SecurityCode string
}

// IssuerService talks to the issuers' attestation services.
type IssuerService interface {
	Reveal(ctx context.Context, req RevealRequest) error
	LookupCode(ctx context.Context, req CodeRequest) (string, error)
	RevealStatus(ctx context.Context, req RevealRequest) (string, error)
}

// Ledger is the ledger surface the coordinator needs.
type Ledger interface {
	CodeValidator
	BlockWaiter
	PastStatus(ctx context.Context, identifier common.Hash, account common.Address) (chains.AttestationsStatus, error)
	ActionableAttestations(ctx context.Context, identifier common.Hash, account common.Address) ([]chains.ActionableAttestation, error)
}

// Dependencies are the collaborators of a coordinator.
type Dependencies struct {
	Ledger     Ledger
	Transactor Transactor
	Issuers    IssuerService
}

// Hooks observe progress. Both are optional.
type Hooks struct {
	OnSlot       func(Slot)
	OnCompletion func(CompletionAttempt)
}

// Coordinator runs the attestations of one attempt. Each attempt builds its
// own coordinator, and with it a fresh inbox and submitter.
type Coordinator struct {
	deps      Dependencies
	target    Target
	settings  Settings
	slots     *Slots
	inbox     *Inbox
	submitter *Submitter
	logger    *slog.Logger
}

// NewCoordinator creates the coordinator for target.
func NewCoordinator(deps Dependencies, target Target, settings Settings, hooks Hooks, logger *slog.Logger) *Coordinator {
	logger = logger.With("component", "attestations", "account", target.Account.Hex())
	slots := NewSlots(settings.Required, hooks.OnSlot)
	return &Coordinator{
		deps:      deps,
		target:    target,
		settings:  settings,
		slots:     slots,
		inbox:     NewInbox(slots, deps.Ledger, deps.Issuers, target, logger),
		submitter: NewSubmitter(deps.Transactor, deps.Ledger, settings.CompletionAttempts, hooks.OnCompletion, logger),
		logger:    logger,
	}
}

// Inbox is where codes from every channel go.
func (c *Coordinator) Inbox() *Inbox { return c.inbox }

// Slots returns a snapshot of the slot table.
func (c *Coordinator) Slots() []Slot { return c.slots.Snapshot() }

// Tally counts the slots.
func (c *Coordinator) Tally() Result { return c.slots.Tally() }

// RequestAll fills the slot table. Attestations completed in earlier attempts
// occupy the first slots; only the shortfall is requested on-chain.
func (c *Coordinator) RequestAll(ctx context.Context) error {
	status, err := c.pastStatus(ctx)
	if err != nil {
		return err
	}
	actionable, err := c.actionable(ctx)
	if err != nil {
		return err
	}

	required := c.slots.Len()
	completed := min(status.Completed, required)
	for i := 0; i < completed; i++ {
		c.slots.Update(i, func(s *Slot) { s.State = StateCompleted })
	}
	need := required - completed
	c.logger.Info("attestation status", "completed", status.Completed, "total", status.Total,
		"actionable", len(actionable), "needed", need)
	if need == 0 {
		return nil
	}

	if len(actionable) < need {
		shortfall := need - len(actionable)
		if shortfall+len(actionable) > c.settings.MaxActionable {
			return faults.Coded(faults.KindProtocol, "coordinator.request", "max_actionable_exceeded",
				fmt.Errorf("%w: %d requested, limit %d", ErrTooManyActionable, shortfall+len(actionable), c.settings.MaxActionable))
		}
		if err := c.deps.Transactor.RequestAttestations(ctx, c.target.Identifier, c.target.Account, shortfall); err != nil {
			return faults.New(faults.KindOf(err), "coordinator.request", err)
		}
		c.logger.Info("attestations requested", "count", shortfall)

		actionable, err = c.awaitSelection(ctx, need)
		if err != nil {
			return err
		}
	}

	for i, a := range actionable[:need] {
		c.slots.Update(completed+i, func(s *Slot) {
			s.Issuer = a.Issuer
			s.ServiceURL = a.ServiceURL
			s.ServiceVersion = a.ServiceVersion
			s.Name = a.Name
			s.State = StateRequested
		})
	}
	return nil
}

// RevealAll asks every requested issuer to send its code. Slots are revealed
// independently; a failure only fails its own slot. Returns how many succeeded.
func (c *Coordinator) RevealAll(ctx context.Context) int {
	return c.revealSlots(ctx, c.slots.InState(StateRequested))
}

// Resend re-reveals slots still waiting for a code, and slots whose reveal failed.
func (c *Coordinator) Resend(ctx context.Context) int {
	var targets []Slot
	for _, s := range c.slots.Snapshot() {
		if s.State == StateAwaitingCode || (s.State == StateFailed && s.NeedsRetry && s.Code == "") {
			targets = append(targets, s)
		}
	}
	return c.revealSlots(ctx, targets)
}

// Await completes slots as the inbox assigns codes to them. It returns once
// every slot is Completed or Failed, when a session-level error occurs, or when
// ctx is done.
func (c *Coordinator) Await(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.slots.Len())

loop:
	for !c.slots.AllTerminal() {
		select {
		case <-gctx.Done():
			break loop
		case a := <-c.inbox.Assignments():
			g.Go(func() error { return c.complete(gctx, a) })
		case <-c.slots.Changed():
		}
	}

	err := g.Wait()
	result := c.slots.Tally()
	if err == nil {
		err = ctx.Err()
	}
	return result, err
}

func (c *Coordinator) complete(ctx context.Context, a Assignment) error {
	c.slots.Update(a.Slot, func(s *Slot) { s.State = StateCompleting })
	err := c.submitter.Submit(ctx, c.target, a)
	if err == nil {
		c.slots.Update(a.Slot, func(s *Slot) {
			s.State = StateCompleted
			s.LastError = ""
			s.NeedsRetry = false
		})
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.slots.Update(a.Slot, func(s *Slot) {
		s.State = StateFailed
		s.LastError = err.Error()
		s.NeedsRetry = true
	})
	switch faults.KindOf(err) {
	case faults.KindQuotaExceeded, faults.KindInvalidWallet, faults.KindFatal:
		return err
	default:
		c.logger.Warn("slot failed", "slot", a.Slot, "error", err)
		return nil
	}
}

func (c *Coordinator) revealSlots(ctx context.Context, targets []Slot) int {
	revealed := make([]bool, len(targets))
	var g errgroup.Group
	g.SetLimit(max(1, c.slots.Len()))
	for i, slot := range targets {
		g.Go(func() error {
			revealed[i] = c.reveal(ctx, slot)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range revealed {
		if ok {
			n++
		}
	}
	return n
}

func (c *Coordinator) reveal(ctx context.Context, slot Slot) bool {
	log := c.logger.With("slot", slot.Index, "issuer", slot.Issuer.Hex())
	req := RevealRequest{
		ServiceURL:         slot.ServiceURL,
		ServiceVersion:     slot.ServiceVersion,
		Account:            c.target.Account,
		Issuer:             slot.Issuer,
		PhoneNumber:        c.target.PhoneNumber,
		Salt:               c.target.Pepper,
		SecurityCodePrefix: SecurityCodePrefix(slot.Issuer),
	}

	err := c.deps.Issuers.Reveal(ctx, req)
	if err != nil && faults.CodeOf(err) == CodeNoIncompleteAttestation {
		// The issuer may not have seen the selection block yet.
		log.Debug("issuer has no incomplete attestation yet, retrying", "delay", c.settings.RevealRetryDelay)
		if sleep(ctx, c.settings.RevealRetryDelay) == nil {
			err = c.deps.Issuers.Reveal(ctx, req)
		}
	}
	if err == nil {
		c.slots.Update(slot.Index, func(s *Slot) { s.State = StateRevealed })
		c.slots.Update(slot.Index, func(s *Slot) {
			s.State = StateAwaitingCode
			s.LastError = ""
			s.NeedsRetry = false
		})
		log.Info("revealed to issuer")
		return true
	}

	if status, serr := c.deps.Issuers.RevealStatus(ctx, req); serr == nil {
		log.Warn("reveal failed", "error", err, "reveal_status", status)
	} else {
		log.Warn("reveal failed", "error", err, "status_error", serr)
	}
	c.slots.Update(slot.Index, func(s *Slot) {
		s.State = StateFailed
		s.LastError = fmt.Errorf("%w: %v", ErrRevealFailed, err).Error()
		s.NeedsRetry = true
	})
	return false
}

func (c *Coordinator) awaitSelection(ctx context.Context, need int) ([]chains.ActionableAttestation, error) {
	for block := 0; block < c.settings.SelectionBlocks; block++ {
		if err := c.deps.Ledger.WaitForNextBlock(ctx); err != nil {
			return nil, faults.New(faults.KindOf(err), "coordinator.selection", err)
		}
		actionable, err := c.actionable(ctx)
		if err != nil {
			return nil, err
		}
		if len(actionable) >= need {
			return actionable, nil
		}
		c.logger.Debug("waiting for issuer selection", "selected", len(actionable), "needed", need)
	}
	return nil, faults.Coded(faults.KindNetwork, "coordinator.selection", "selection_timeout", ErrSelectionTimeout)
}

func (c *Coordinator) pastStatus(ctx context.Context) (chains.AttestationsStatus, error) {
	var status chains.AttestationsStatus
	err := c.retryRead(ctx, "coordinator.status", func() error {
		var err error
		status, err = c.deps.Ledger.PastStatus(ctx, c.target.Identifier, c.target.Account)
		return err
	})
	return status, err
}

func (c *Coordinator) actionable(ctx context.Context) ([]chains.ActionableAttestation, error) {
	var actionable []chains.ActionableAttestation
	err := c.retryRead(ctx, "coordinator.actionable", func() error {
		var err error
		actionable, err = c.deps.Ledger.ActionableAttestations(ctx, c.target.Identifier, c.target.Account)
		return err
	})
	return actionable, err
}

// retryRead retries ledger reads on transient errors only.
func (c *Coordinator) retryRead(ctx context.Context, op string, read func() error) error {
	err := retry.Do(read,
		retry.Context(ctx),
		retry.Attempts(uint(max(1, c.settings.StatusRetries))),
		retry.Delay(c.settings.StatusRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(faults.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("ledger read failed, retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return faults.New(faults.KindOf(err), op, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
