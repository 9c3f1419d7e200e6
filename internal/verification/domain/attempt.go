package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/identifier"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
	"github.com/pendergraft/phoneverify/internal/storage"
	wallets "github.com/pendergraft/phoneverify/internal/wallets/domain"
)

// Attempt is the context of one verification attempt. Everything an attempt
// touches is reachable from here; nothing outlives it.
type Attempt struct {
	ID      string
	Request StartRequest

	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time
	logger  *slog.Logger

	// Written by the attempt goroutine only.
	identifier   identifier.Identifier
	session      sessions.Session
	pepperCached bool
	relayed      bool
	account      common.Address
	wallet       *wallets.RelayWallet
	revoked      bool

	coordinator atomic.Pointer[attestations.Coordinator]
	abandoned   atomic.Bool
}

// abandon cancels the attempt on behalf of the caller.
func (a *Attempt) abandon() {
	a.abandoned.Store(true)
	a.cancel()
}

// run drives a from CheckingRelayerReady to a final phase.
func (c *Controller) run(a *Attempt) {
	defer c.wg.Done()
	defer a.cancel()

	a.account = c.signer
	c.persist(a, PhaseCheckingRelayerReady, nil)
	a.logger.Info("verification started")

	final := c.execute(a)

	if a.abandoned.Load() {
		c.persist(a, PhaseIdle, &StatusError{Kind: faults.KindFatal.String(), Code: "cancelled", Message: "cancelled by caller"})
		return
	}

	switch p := final.(type) {
	case Failed:
		a.logger.Error("verification failed", "code", p.Err.Code, "error", p.Err.Message)
		c.persist(a, PhaseFailed, &p.Err)
	case Succeeded:
		a.logger.Info("verification succeeded", "already_verified", p.AlreadyVerified, "relayed", a.relayed)
		c.persist(a, PhaseSucceeded, nil)
	}
	c.post(finishedMsg{attempt: a.ID, phase: final})
}

func (c *Controller) execute(a *Attempt) Phase {
	ctx := a.ctx

	c.prepareRelayer(ctx, a)
	if ctx.Err() != nil {
		return c.failure(a, ctx.Err())
	}

	c.enter(a, ResolvingWallet{Relayed: a.relayed}, nil)
	if err := c.derive(ctx, a); err != nil {
		return c.failure(a, err)
	}
	idHex := a.identifier.Hash.Hex()
	c.enter(a, nil, func(s *Status) { s.Identifier = idHex })

	verified, err := c.resolveAccount(ctx, a)
	if err != nil {
		return c.failure(a, err)
	}
	if verified {
		return Succeeded{AlreadyVerified: true, Result: attestations.Result{
			Completed: c.settings.Attestations.Required,
			Total:     c.settings.Attestations.Required,
		}}
	}

	c.enter(a, RequestingAttestations{Account: a.account, Relayed: a.relayed}, nil)
	coord := attestations.NewCoordinator(c.dependencies(a), attestations.Target{
		Identifier:  a.identifier.Hash,
		Account:     a.account,
		PhoneNumber: a.identifier.PhoneNumber,
		Pepper:      a.identifier.Pepper,
	}, c.settings.Attestations, attestations.Hooks{
		OnSlot: func(s attestations.Slot) {
			c.post(slotMsg{attempt: a.ID, slot: s})
		},
		OnCompletion: func(ca attestations.CompletionAttempt) {
			a.logger.Warn("completion attempt failed", "slot", ca.Slot, "attempt", ca.Number, "error", ca.LastError)
			if c.deps.Recorder != nil {
				c.deps.Recorder.CompletionFailed(faults.KindOf(ca.LastError).String())
			}
		},
	}, a.logger)
	a.coordinator.Store(coord)

	if err := coord.RequestAll(ctx); err != nil {
		return c.failure(a, err)
	}
	if res := coord.Tally(); res.Completed == res.Total {
		return Succeeded{Result: res}
	}

	c.enter(a, RevealingAttestations{}, nil)
	revealed := coord.RevealAll(ctx)
	a.logger.Info("reveals sent", "revealed", revealed)

	c.enter(a, AwaitingCodes{}, nil)
	res, err := coord.Await(ctx)
	if err != nil {
		return c.failure(a, err)
	}
	if res.Completed < res.Total {
		return c.failure(a, faults.Coded(faults.KindProtocol, "verification.await", "incomplete",
			fmt.Errorf("%w: %d of %d", ErrIncomplete, res.Completed, res.Total)))
	}
	return Succeeded{Result: res}
}

// prepareRelayer decides whether the attempt is relayed. Any relayer problem
// falls back to the unrelayed path.
func (c *Controller) prepareRelayer(ctx context.Context, a *Attempt) {
	_, a.pepperCached = c.deps.Deriver.Cached(ctx, a.Request.PhoneNumber)

	if !c.settings.RelayerEnabled || a.Request.Unrelayed || c.deps.Sessions == nil || c.deps.Relayer == nil || c.deps.Wallets == nil {
		return
	}
	if err := c.deps.Sessions.CheckReadiness(ctx); err != nil {
		a.logger.Warn("relayer not ready, continuing unrelayed", "error", err)
		return
	}
	res, err := c.deps.Sessions.ResumeOrStart(ctx, sessions.ResumeRequest{
		PhoneNumber:   a.Request.PhoneNumber,
		PepperCached:  a.pepperCached,
		HumanityProof: a.Request.HumanityProof,
	})
	if err != nil || !res.SessionActive {
		a.logger.Warn("no usable relayer session, continuing unrelayed", "error", err)
		return
	}
	a.relayed = true
	a.session = c.deps.Sessions.Session()
	quota := a.session.Quota
	c.enter(a, nil, func(s *Status) {
		s.Relayed = true
		s.Quota = &quota
	})
}

// derive computes the identifier, retrying unrelayed when the relayer cannot
// serve the pepper.
func (c *Controller) derive(ctx context.Context, a *Attempt) error {
	var route *identifier.Route
	if a.relayed {
		route = &identifier.Route{
			Active:            true,
			Token:             a.session.Token,
			PepperFetchesLeft: a.session.Quota.PepperFetchesLeft,
		}
	}

	id, err := c.deps.Deriver.Derive(ctx, a.Request.PhoneNumber, c.deps.Key, route)
	if err != nil && route != nil {
		switch faults.KindOf(err) {
		case faults.KindNetwork:
			c.deps.Sessions.RecordError(ctx, err)
			fallthrough
		case faults.KindQuotaExceeded:
			a.logger.Warn("relayed pepper unavailable, asking the oracle directly", "error", err)
			route = nil
			id, err = c.deps.Deriver.Derive(ctx, a.Request.PhoneNumber, c.deps.Key, nil)
		}
	}
	if err != nil {
		return err
	}
	if route != nil && !a.pepperCached {
		c.deps.Sessions.ConsumeQuota(ctx, 1, 0, 0)
	}
	a.identifier = id
	return nil
}

// resolveAccount settles which account collects attestations and reports
// whether it is already verified.
func (c *Controller) resolveAccount(ctx context.Context, a *Attempt) (bool, error) {
	if a.relayed {
		w, err := c.deps.Wallets.ResolveOrDeploy(ctx, wallets.ResolveRequest{
			Identifier:    a.identifier.Hash,
			Signer:        c.signer,
			HumanityProof: a.Request.HumanityProof,
		})
		switch {
		case err == nil:
			a.wallet = w
			a.account = w.Address
			// Resolution may have restarted the session.
			a.session = c.deps.Sessions.Session()
			quota := a.session.Quota
			c.enter(a, nil, func(s *Status) {
				s.Wallet = w.Address.Hex()
				s.Quota = &quota
			})
			if w.Verified {
				return true, nil
			}
		case faults.KindOf(err) == faults.KindQuotaExceeded:
			a.logger.Warn("relayer quota exhausted, continuing unrelayed", "error", err)
			c.deps.Sessions.Deactivate(ctx)
			a.relayed = false
			a.account = c.signer
			c.enter(a, ResolvingWallet{Relayed: false}, func(s *Status) {
				s.Relayed = false
				s.Quota = nil
			})
		default:
			return false, err
		}
	}

	status, err := c.deps.Ledger.PastStatus(ctx, a.identifier.Hash, a.account)
	if err != nil {
		return false, faults.New(faults.KindOf(err), "verification.past_status", err)
	}
	if status.Completed > 0 {
		accounts, err := c.deps.Ledger.LookupAccounts(ctx, a.identifier.Hash)
		if err != nil {
			a.logger.Warn("account lookup failed", "error", err)
		} else if !lo.Contains(accounts, a.account) {
			a.revoked = true
			a.logger.Warn("account holds attestations but is not mapped to the identifier")
			c.enter(a, nil, func(s *Status) { s.Revoked = true })
		}
	}
	return !a.relayed && status.Verified(c.settings.Attestations.Required), nil
}

// dependencies wires the coordinator to the ledger or, when relayed, to the
// relayer.
func (c *Controller) dependencies(a *Attempt) attestations.Dependencies {
	deps := attestations.Dependencies{
		Ledger:     c.deps.Ledger,
		Transactor: c.deps.Ledger,
		Issuers:    c.deps.Issuers,
	}
	if a.relayed {
		deps.Transactor = &relayedTransactor{
			relayer:  c.deps.Relayer,
			sessions: c.deps.Sessions,
			token:    a.session.Token,
		}
	}
	return deps
}

func (c *Controller) enter(a *Attempt, p Phase, mutate func(*Status)) {
	c.post(phaseMsg{attempt: a.ID, phase: p, mutate: mutate})
}

func (c *Controller) failure(a *Attempt, err error) Phase {
	if errors.Is(a.ctx.Err(), context.DeadlineExceeded) {
		return Failed{Err: StatusError{
			Kind:    faults.KindNetwork.String(),
			Code:    "timeout",
			Message: fmt.Sprintf("verification did not finish within %s", c.settings.Timeout),
		}}
	}
	return Failed{Err: StatusError{
		Kind:    faults.KindOf(err).String(),
		Code:    faults.CodeOf(err),
		Message: err.Error(),
	}}
}

// persist writes the attempt record. History is best effort.
func (c *Controller) persist(a *Attempt, phase PhaseName, failure *StatusError) {
	if c.deps.Attempts == nil {
		return
	}
	rec := &storage.Attempt{
		ID:          a.ID,
		Account:     c.signer.Hex(),
		PhoneNumber: a.Request.PhoneNumber,
		Phase:       string(phase),
		Relayed:     a.relayed,
		Total:       c.settings.Attestations.Required,
		Revoked:     a.revoked,
		StartedAt:   a.started,
	}
	if a.wallet != nil {
		rec.Wallet = a.wallet.Address.Hex()
	}
	if coord := a.coordinator.Load(); coord != nil {
		rec.Completed = coord.Tally().Completed
	}
	if phase == PhaseSucceeded {
		rec.Completed = rec.Total
	}
	if phase != PhaseCheckingRelayerReady {
		rec.FinishedAt = c.now()
	}
	if failure != nil {
		rec.ErrorKind = failure.Kind
		rec.ErrorCode = failure.Code
		rec.ErrorMessage = failure.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Attempts.SaveAttempt(ctx, rec); err != nil {
		a.logger.Warn("saving attempt record failed", "error", err)
	}
}
