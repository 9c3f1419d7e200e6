// Package domain sequences a phone-number verification attempt: relayer
// readiness, identifier derivation, wallet resolution, attestation requests,
// reveals, code collection and completion.
package domain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/identifier"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
	"github.com/pendergraft/phoneverify/internal/storage"
	"github.com/pendergraft/phoneverify/internal/validation"
	wallets "github.com/pendergraft/phoneverify/internal/wallets/domain"
)

// Errors returned by the controller.
var (
	ErrAttemptInProgress  = errors.New("a verification attempt is already running")
	ErrResetInProgress    = errors.New("a reset is in progress")
	ErrNoActiveAttempt    = errors.New("no verification attempt is running")
	ErrNotAcceptingCodes  = errors.New("the current attempt is not accepting codes")
	ErrInvalidPhoneNumber = errors.New("invalid phone number")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrIncomplete         = errors.New("not every attestation completed")
	ErrClosed             = errors.New("controller closed")
)

// Service is the caller-facing verification API.
type Service interface {
	Start(ctx context.Context, req StartRequest) (Status, error)
	Cancel(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	SubmitCode(ctx context.Context, req CodeRequest) (CodeResult, error)
	Resend(ctx context.Context) (int, error)
	Reset(ctx context.Context, req ResetRequest) error
	Subscribe(ctx context.Context) (<-chan Status, error)
	History(ctx context.Context, pagination PaginationParams) (*HistoryResult, error)
}

// Deriver computes identifiers.
type Deriver interface {
	Derive(ctx context.Context, phone string, key *ecdsa.PrivateKey, route *identifier.Route) (identifier.Identifier, error)
	Cached(ctx context.Context, phone string) (string, bool)
	Forget(ctx context.Context, phone string) error
}

// Sessions is the relayer session surface used by the controller.
type Sessions interface {
	CheckReadiness(ctx context.Context) error
	ResumeOrStart(ctx context.Context, req sessions.ResumeRequest) (sessions.Result, error)
	Session() sessions.Session
	Deactivate(ctx context.Context)
	Reset(ctx context.Context) error
	RecordError(ctx context.Context, err error)
	ConsumeQuota(ctx context.Context, pepper, attestations, completions int)
}

// Wallets resolves the relay wallet.
type Wallets interface {
	ResolveOrDeploy(ctx context.Context, req wallets.ResolveRequest) (*wallets.RelayWallet, error)
}

// Ledger is the ledger surface used on the unrelayed path and for account checks.
type Ledger interface {
	attestations.Ledger
	attestations.Transactor
	LookupAccounts(ctx context.Context, identifier common.Hash) ([]common.Address, error)
}

// Relayer submits attestation transactions on behalf of the relay wallet.
type Relayer interface {
	RequestAttestations(ctx context.Context, token string, identifier common.Hash, account common.Address, count int) error
	CompleteAttestation(ctx context.Context, token string, identifier common.Hash, account, issuer common.Address, code string) error
}

// AttemptStore keeps the attempt history.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a *storage.Attempt) error
	ListAttempts(ctx context.Context, account string, pagination storage.PaginationParams) (*storage.PaginatedResult[storage.Attempt], error)
}

// Recorder receives progress for metrics.
type Recorder interface {
	PhaseEntered(phase string)
	AttemptFinished(phase string, relayed bool, duration time.Duration)
	SlotChanged(state string)
	CompletionFailed(kind string)
}

// Dependencies are the collaborators of the controller. Sessions, Wallets and
// Relayer may be nil when the relayer is disabled; Attempts and Recorder are optional.
type Dependencies struct {
	Key      *ecdsa.PrivateKey
	Deriver  Deriver
	Sessions Sessions
	Wallets  Wallets
	Ledger   Ledger
	Relayer  Relayer
	Issuers  attestations.IssuerService
	Attempts AttemptStore
	Recorder Recorder
}

// Controller runs at most one verification attempt at a time. All of its
// state is owned by a single goroutine (loop) and changed only through
// messages on the mailbox.
type Controller struct {
	deps     Dependencies
	settings Settings
	signer   common.Address
	logger   *slog.Logger
	now      func() time.Time

	mailbox chan message
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
}

// NewController creates a controller and starts its loop. Call Close to stop it.
func NewController(deps Dependencies, settings Settings, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		deps:     deps,
		settings: settings,
		signer:   crypto.PubkeyToAddress(deps.Key.PublicKey),
		logger:   logger.With("component", "verification"),
		now:      time.Now,
		mailbox:  make(chan message),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.wg.Add(1)
	go c.loop()
	return c
}

// Account is the address of the key held by the controller.
func (c *Controller) Account() common.Address {
	return c.signer
}

// Close cancels any running attempt and waits for it to wind down.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.cancel()
		close(c.done)
	})
	c.wg.Wait()
}

// Start begins a new attempt. It returns as soon as the attempt is running.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Status, error) {
	if err := validation.ValidatePhoneNumber(req.PhoneNumber); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrInvalidPhoneNumber, err)
	}
	if err := validation.ValidateHumanityProof(req.HumanityProof); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	reply := make(chan startReply, 1)
	if err := c.send(ctx, startMsg{req: req, reply: reply}); err != nil {
		return Status{}, err
	}
	r, err := receive(ctx, c.done, reply)
	if err != nil {
		return Status{}, err
	}
	return r.status, r.err
}

// Cancel abandons the running attempt and returns the controller to Idle.
func (c *Controller) Cancel(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, cancelMsg{reply: reply}); err != nil {
		return err
	}
	err, recvErr := receive(ctx, c.done, reply)
	if recvErr != nil {
		return recvErr
	}
	return err
}

// Status returns the current status.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.send(ctx, statusMsg{reply: reply}); err != nil {
		return Status{}, err
	}
	return receive(ctx, c.done, reply)
}

// SubmitCode routes a message from a code channel into the attempt's inbox.
func (c *Controller) SubmitCode(ctx context.Context, req CodeRequest) (CodeResult, error) {
	channel, err := attestations.ParseChannel(req.Channel)
	if err != nil {
		return CodeResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validation.ValidateCodeIndex(req.Index, c.settings.Attestations.Required); err != nil {
		return CodeResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	a, err := c.liveAttempt(ctx)
	if err != nil {
		return CodeResult{}, err
	}
	coord := a.coordinator.Load()

	code, err := attestations.ParseCode(req.Message, channel, req.Index, c.now())
	if err != nil {
		a.logger.Info("ignoring message without a code", "channel", channel)
		return CodeResult{Ignored: true}, nil
	}

	ctx, cancel := withAttempt(ctx, a)
	defer cancel()

	assignment, err := coord.Inbox().Submit(ctx, code)
	if err != nil {
		return CodeResult{}, err
	}
	if assignment.Ignored {
		return CodeResult{Ignored: true}, nil
	}
	return CodeResult{Slot: assignment.Slot, Issuer: assignment.Issuer}, nil
}

// Resend asks issuers to send codes again for slots still waiting on one.
func (c *Controller) Resend(ctx context.Context) (int, error) {
	a, err := c.liveAttempt(ctx)
	if err != nil {
		return 0, err
	}
	return a.coordinator.Load().Resend(ctx), nil
}

// Reset drops the cached pepper and the relayer session. It is refused while
// an attempt runs, and no attempt can start until it returns.
func (c *Controller) Reset(ctx context.Context, req ResetRequest) error {
	reply := make(chan clearReply, 1)
	if err := c.send(ctx, clearMsg{reply: reply}); err != nil {
		return err
	}
	r, err := receive(ctx, c.done, reply)
	if err != nil {
		// The loop has the message; release the hold if it took it.
		go func() {
			select {
			case r := <-reply:
				if r.err == nil {
					c.post(resetDoneMsg{})
				}
			case <-c.done:
			}
		}()
		return err
	}
	if r.err != nil {
		return r.err
	}
	defer c.post(resetDoneMsg{})

	phone := req.PhoneNumber
	if phone == "" {
		phone = r.phone
	}
	if phone != "" {
		if err := c.deps.Deriver.Forget(ctx, phone); err != nil {
			return err
		}
	}
	if c.deps.Sessions != nil {
		if err := c.deps.Sessions.Reset(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("verification state reset", "phone", validation.MaskPhoneNumber(phone))
	return nil
}

// Subscribe streams status changes until ctx is done. The current status is
// delivered first. Slow subscribers miss intermediate updates.
func (c *Controller) Subscribe(ctx context.Context) (<-chan Status, error) {
	ch := make(chan Status, 16)
	if err := c.send(ctx, subscribeMsg{ch: ch}); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		// The loop closes ch once it has processed the unsubscribe.
		select {
		case c.mailbox <- unsubscribeMsg{ch: ch}:
		case <-c.done:
		}
	}()
	return ch, nil
}

// History lists past attempts of this account, newest first.
func (c *Controller) History(ctx context.Context, pagination PaginationParams) (*HistoryResult, error) {
	if c.deps.Attempts == nil {
		return &HistoryResult{}, nil
	}
	page, err := c.deps.Attempts.ListAttempts(ctx, c.signer.Hex(), storage.PaginationParams{
		Limit:  pagination.Limit,
		Cursor: pagination.Cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}

	out := &HistoryResult{
		Attempts:   make([]AttemptSummary, len(page.Data)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for i, rec := range page.Data {
		out.Attempts[i] = toSummary(rec)
	}
	return out, nil
}

// withAttempt derives a context that ends with ctx or with the attempt,
// whichever comes first.
func withAttempt(ctx context.Context, a *Attempt) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// liveAttempt returns the running attempt once its inbox exists.
func (c *Controller) liveAttempt(ctx context.Context) (*Attempt, error) {
	reply := make(chan *Attempt, 1)
	if err := c.send(ctx, attemptMsg{reply: reply}); err != nil {
		return nil, err
	}
	a, err := receive(ctx, c.done, reply)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotAcceptingCodes
	}
	return a, nil
}

func (c *Controller) send(ctx context.Context, m message) error {
	select {
	case c.mailbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// post delivers a message from an attempt goroutine. It never blocks past Close.
func (c *Controller) post(m message) {
	select {
	case c.mailbox <- m:
	case <-c.done:
	}
}

func receive[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		return zero, ErrClosed
	}
}

func toSummary(rec storage.Attempt) AttemptSummary {
	s := AttemptSummary{
		ID:          rec.ID,
		PhoneNumber: rec.PhoneNumber,
		Phase:       PhaseName(rec.Phase),
		Relayed:     rec.Relayed,
		Wallet:      rec.Wallet,
		Completed:   rec.Completed,
		Total:       rec.Total,
		Revoked:     rec.Revoked,
		StartedAt:   rec.StartedAt,
	}
	if !rec.FinishedAt.IsZero() {
		finished := rec.FinishedAt
		s.FinishedAt = &finished
	}
	if rec.ErrorKind != "" || rec.ErrorMessage != "" {
		s.Error = &StatusError{Kind: rec.ErrorKind, Code: rec.ErrorCode, Message: rec.ErrorMessage}
	}
	return s
}

func newAttemptID() string {
	return uuid.New().String()
}
