// Package domain manages the lifecycle, quota and health of the fee-relayer session.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/storage"
)

// Errors returned by the session service.
var (
	ErrCircuitOpen           = errors.New("relayer error rate exceeded")
	ErrRelayerUnavailable    = errors.New("relayer unavailable")
	ErrHumanityProofRequired = errors.New("humanity proof required to start a relayer session")
	ErrQuotaExceeded         = errors.New("relayer session quota exhausted")
)

// Relayer is the subset of the relayer client used for session management.
type Relayer interface {
	CheckService(ctx context.Context) error
	StartSession(ctx context.Context, humanityProof string) (Grant, error)
	CheckSession(ctx context.Context, token string) (Quota, error)
}

// SessionStore persists the session per account.
type SessionStore interface {
	GetRelayerSession(ctx context.Context, account string) (*storage.RelayerSession, error)
	SaveRelayerSession(ctx context.Context, s *storage.RelayerSession) error
	DeleteRelayerSession(ctx context.Context, account string) error
}

// Service owns the single relayer session of one account.
type Service struct {
	relayer  Relayer
	store    SessionStore
	settings Settings
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	session Session
	loaded  bool
}

// NewService creates a session service for account.
func NewService(account string, relayer Relayer, store SessionStore, settings Settings, logger *slog.Logger) *Service {
	return &Service{
		relayer:  relayer,
		store:    store,
		settings: settings,
		logger:   logger.With("component", "sessions"),
		now:      time.Now,
		session:  Session{Account: account},
	}
}

// Session returns a snapshot of the current session.
func (s *Service) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.session
	cp.ErrorTimestamps = append([]time.Time(nil), s.session.ErrorTimestamps...)
	return cp
}

// RecentErrors counts relayer errors inside the rolling window.
func (s *Service) RecentErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pruneLocked())
}

// CheckReadiness polls the relayer health endpoint. When the recent error
// count is over the allotment it fails immediately without a network call.
func (s *Service) CheckReadiness(ctx context.Context) error {
	s.ensureLoaded(ctx)

	if n := s.RecentErrors(); n > s.settings.ErrorAllotment {
		s.logger.Warn("relayer circuit open", "recent_errors", n, "window", s.settings.ErrorWindow)
		return faults.Coded(faults.KindQuotaExceeded, "sessions.readiness", "circuit_open", ErrCircuitOpen)
	}

	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.settings.ReadinessTimeout)
			defer cancel()
			return s.relayer.CheckService(callCtx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(1, s.settings.ReadinessRetries))),
		retry.Delay(s.settings.ReadinessBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Debug("relayer not ready, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Coded(faults.KindNetwork, "sessions.readiness", "relayer_unavailable", fmt.Errorf("%w: %v", ErrRelayerUnavailable, err))
	}
	return nil
}

// ResumeOrStart reuses the stored session when its quota still covers the
// verification, otherwise starts a new one with the humanity proof.
func (s *Service) ResumeOrStart(ctx context.Context, req ResumeRequest) (Result, error) {
	s.ensureLoaded(ctx)

	current := s.Session()
	if current.Token != "" && !s.expired(current) {
		quota, err := s.relayer.CheckSession(ctx, current.Token)
		switch {
		case err == nil && quota.Usable(req.PepperCached):
			s.update(ctx, func(sess *Session) {
				sess.Quota = quota
				sess.Active = true
			})
			s.logger.Info("relayer session resumed", "quota", quota)
			return Result{SessionActive: true}, nil
		case err == nil:
			s.logger.Info("relayer session quota exhausted, starting a new session", "quota", quota)
		case faults.IsTransient(err):
			s.RecordError(ctx, err)
			return Result{}, err
		default:
			s.logger.Info("stored relayer session rejected, starting a new session", "error", err)
		}
	}

	if err := s.start(ctx, req.HumanityProof, req.PepperCached); err != nil {
		return Result{}, err
	}
	return Result{SessionActive: true}, nil
}

// Restart discards the session, including any cached relay wallet, and starts a fresh one.
func (s *Service) Restart(ctx context.Context, humanityProof string) error {
	s.ensureLoaded(ctx)
	s.update(ctx, func(sess *Session) {
		sess.Active = false
		sess.Token = ""
		sess.CallbackURL = ""
		sess.ExpiresAt = time.Time{}
		sess.Quota = Quota{}
		sess.UnverifiedWallet = ""
	})
	s.logger.Info("restarting relayer session")
	return s.start(ctx, humanityProof, true)
}

// Deactivate marks the session unused for the rest of the attempt without
// discarding the token.
func (s *Service) Deactivate(ctx context.Context) {
	s.update(ctx, func(sess *Session) { sess.Active = false })
}

// Reset forgets the session entirely.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	account := s.session.Account
	s.session = Session{Account: account}
	s.loaded = true
	s.mu.Unlock()

	if err := s.store.DeleteRelayerSession(ctx, account); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deleting relayer session: %w", err)
	}
	return nil
}

// RecordError appends a timestamp to the rolling error window.
func (s *Service) RecordError(ctx context.Context, err error) {
	s.update(ctx, func(sess *Session) {
		sess.ErrorTimestamps = append(sess.ErrorTimestamps, s.now())
	})
	s.logger.Warn("relayer error recorded", "error", err, "recent_errors", s.RecentErrors())
}

// SetUnverifiedWallet caches the relay wallet awaiting verification.
func (s *Service) SetUnverifiedWallet(ctx context.Context, address string) {
	s.update(ctx, func(sess *Session) { sess.UnverifiedWallet = address })
}

// ConsumeQuota decrements the local view of the quota after a relayed call.
func (s *Service) ConsumeQuota(ctx context.Context, pepper, attestations, completions int) {
	s.update(ctx, func(sess *Session) {
		sess.Quota.PepperFetchesLeft = max(0, sess.Quota.PepperFetchesLeft-pepper)
		sess.Quota.AttestationsLeft = max(0, sess.Quota.AttestationsLeft-attestations)
		sess.Quota.CompletionsLeft = max(0, sess.Quota.CompletionsLeft-completions)
	})
}

func (s *Service) start(ctx context.Context, humanityProof string, pepperCached bool) error {
	if humanityProof == "" {
		return faults.Coded(faults.KindQuotaExceeded, "sessions.start", "humanity_proof_required", ErrHumanityProofRequired)
	}

	grant, err := s.relayer.StartSession(ctx, humanityProof)
	if err != nil {
		s.RecordError(ctx, err)
		return faults.New(faults.KindOf(err), "sessions.start", err)
	}
	quota, err := s.relayer.CheckSession(ctx, grant.Token)
	if err != nil {
		s.RecordError(ctx, err)
		return faults.New(faults.KindOf(err), "sessions.check", err)
	}

	active := quota.Usable(pepperCached)
	s.update(ctx, func(sess *Session) {
		sess.Token = grant.Token
		sess.CallbackURL = grant.CallbackURL
		sess.ExpiresAt = grant.ExpiresAt
		sess.Quota = quota
		sess.Active = active
		sess.UnverifiedWallet = ""
	})
	if !active {
		return faults.Coded(faults.KindQuotaExceeded, "sessions.start", "session_quota", ErrQuotaExceeded)
	}
	s.logger.Info("relayer session started", "quota", quota, "expires_at", grant.ExpiresAt)
	return nil
}

func (s *Service) expired(sess Session) bool {
	return !sess.ExpiresAt.IsZero() && !s.now().Before(sess.ExpiresAt)
}

func (s *Service) pruneLocked() []time.Time {
	cutoff := s.now().Add(-s.settings.ErrorWindow)
	kept := s.session.ErrorTimestamps[:0]
	for _, ts := range s.session.ErrorTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.session.ErrorTimestamps = kept
	return kept
}

func (s *Service) update(ctx context.Context, mutate func(*Session)) {
	s.ensureLoaded(ctx)
	s.mu.Lock()
	mutate(&s.session)
	s.pruneLocked()
	record := toRecord(s.session)
	s.mu.Unlock()

	if err := s.store.SaveRelayerSession(ctx, record); err != nil {
		s.logger.Warn("persisting relayer session failed", "error", err)
	}
}

func (s *Service) ensureLoaded(ctx context.Context) {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return
	}
	account := s.session.Account
	s.mu.Unlock()

	record, err := s.store.GetRelayerSession(ctx, account)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("loading relayer session failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return
	}
	if record != nil {
		s.session = fromRecord(record)
		// Activation is per attempt.
		s.session.Active = false
	}
	s.loaded = true
}

func toRecord(sess Session) *storage.RelayerSession {
	return &storage.RelayerSession{
		Account:           sess.Account,
		Active:            sess.Active,
		Token:             sess.Token,
		CallbackURL:       sess.CallbackURL,
		ExpiresAt:         sess.ExpiresAt,
		PepperFetchesLeft: sess.Quota.PepperFetchesLeft,
		AttestationsLeft:  sess.Quota.AttestationsLeft,
		CompletionsLeft:   sess.Quota.CompletionsLeft,
		UnverifiedWallet:  sess.UnverifiedWallet,
		ErrorTimestamps:   append([]time.Time(nil), sess.ErrorTimestamps...),
	}
}

func fromRecord(r *storage.RelayerSession) Session {
	return Session{
		Account:     r.Account,
		Active:      r.Active,
		Token:       r.Token,
		CallbackURL: r.CallbackURL,
		ExpiresAt:   r.ExpiresAt,
		Quota: Quota{
			PepperFetchesLeft: r.PepperFetchesLeft,
			AttestationsLeft:  r.AttestationsLeft,
			CompletionsLeft:   r.CompletionsLeft,
		},
		ErrorTimestamps:  append([]time.Time(nil), r.ErrorTimestamps...),
		UnverifiedWallet: r.UnverifiedWallet,
	}
}
