package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/pendergraft/phoneverify/internal/faults"
)

// Errors returned by the inbox.
var (
	ErrEmptyCode        = errors.New("no attestation code in message")
	ErrDuplicateCode    = errors.New("attestation code already accepted")
	ErrSlotUnavailable  = errors.New("no attestation slot can take this code")
	ErrNoMatchingIssuer = errors.New("no issuer matches the code")
	ErrInvalidCode      = errors.New("attestation code rejected by the ledger")
)

// CodeValidator is the ledger side of code arbitration.
type CodeValidator interface {
	FindMatchingIssuer(ctx context.Context, identifier common.Hash, account common.Address, code string, issuers []common.Address) (common.Address, error)
	ValidateCode(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) (bool, error)
}

// Inbox funnels codes from every channel into slots, one at a time.
type Inbox struct {
	mu        sync.Mutex
	slots     *Slots
	validator CodeValidator
	issuers   IssuerService
	target    Target
	logger    *slog.Logger

	accepted    map[string]int
	shortCodes  map[string]string
	assignments chan Assignment
}

// NewInbox creates the inbox of one attempt.
func NewInbox(slots *Slots, validator CodeValidator, issuers IssuerService, target Target, logger *slog.Logger) *Inbox {
	return &Inbox{
		slots:       slots,
		validator:   validator,
		issuers:     issuers,
		target:      target,
		logger:      logger.With("component", "inbox"),
		accepted:    make(map[string]int),
		shortCodes:  make(map[string]string),
		assignments: make(chan Assignment, slots.Len()),
	}
}

// Assignments delivers validated codes to the coordinator.
func (in *Inbox) Assignments() <-chan Assignment {
	return in.assignments
}

// Pending is the number of assignments not yet picked up.
func (in *Inbox) Pending() int {
	return len(in.assignments)
}

// Submit matches code to a slot. Concurrent submissions are processed strictly
// one after the other.
func (in *Inbox) Submit(ctx context.Context, code Code) (Assignment, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	log := in.logger.With("channel", code.Channel)

	if code.ExtractedCode == "" && code.ShortCode == "" {
		log.Info("ignoring message without a code")
		return Assignment{Ignored: true}, nil
	}

	if code.ExtractedCode == "" {
		if _, seen := in.shortCodes[code.ShortCode]; seen {
			return Assignment{}, in.duplicate(log)
		}
		full, err := in.resolveShortCode(ctx, code.ShortCode)
		if err != nil {
			return Assignment{}, err
		}
		code.ExtractedCode = full
	}

	if _, seen := in.accepted[code.ExtractedCode]; seen {
		return Assignment{}, in.duplicate(log)
	}

	candidates, err := in.candidates(code.ExplicitIndex)
	if err != nil {
		log.Warn("code rejected", "error", err)
		return Assignment{}, err
	}

	issuers := lo.Map(candidates, func(s Slot, _ int) common.Address { return s.Issuer })
	issuer, err := in.validator.FindMatchingIssuer(ctx, in.target.Identifier, in.target.Account, code.ExtractedCode, issuers)
	if err != nil {
		return Assignment{}, faults.New(faults.KindOf(err), "inbox.match_issuer", err)
	}
	slot, ok := lo.Find(candidates, func(s Slot) bool { return s.Issuer == issuer })
	if !ok {
		log.Warn("no issuer matches code", "candidates", len(candidates))
		return Assignment{}, faults.Coded(faults.KindProtocol, "inbox.match_issuer", "no_matching_issuer", ErrNoMatchingIssuer)
	}
	log = log.With("slot", slot.Index, "issuer", issuer.Hex())

	valid, err := in.validator.ValidateCode(ctx, in.target.Identifier, in.target.Account, issuer, code.ExtractedCode)
	if err != nil {
		return Assignment{}, faults.New(faults.KindOf(err), "inbox.validate", err)
	}
	if !valid {
		in.slots.Update(slot.Index, func(s *Slot) {
			s.State = StateFailed
			s.LastError = ErrInvalidCode.Error()
			s.NeedsRetry = true
		})
		log.Warn("code failed validation")
		return Assignment{}, faults.Coded(faults.KindProtocol, "inbox.validate", "invalid_code", ErrInvalidCode).
			With("slot", fmt.Sprint(slot.Index))
	}

	in.accepted[code.ExtractedCode] = slot.Index
	if code.ShortCode != "" {
		in.shortCodes[code.ShortCode] = code.ExtractedCode
	}
	in.slots.Update(slot.Index, func(s *Slot) {
		s.State = StateValidating
		s.Code = code.ExtractedCode
		s.LastError = ""
	})

	a := Assignment{Slot: slot.Index, Issuer: issuer, Code: code.ExtractedCode}
	in.assignments <- a
	log.Info("code accepted")
	return a, nil
}

func (in *Inbox) duplicate(log *slog.Logger) error {
	log.Info("duplicate code ignored")
	return faults.Coded(faults.KindProtocol, "inbox.submit", "duplicate_code", ErrDuplicateCode)
}

// candidates returns the slots a code may go to, in index order.
func (in *Inbox) candidates(explicit *int) ([]Slot, error) {
	unavailable := func(reason string) error {
		return faults.Coded(faults.KindProtocol, "inbox.submit", "slot_unavailable",
			fmt.Errorf("%w: %s", ErrSlotUnavailable, reason))
	}

	if len(in.accepted) >= in.slots.Len() {
		return nil, unavailable("all slots have a code")
	}
	if explicit != nil {
		slot, ok := in.slots.Get(*explicit)
		if !ok {
			return nil, unavailable(fmt.Sprintf("slot %d out of range", *explicit))
		}
		if slot.State != StateAwaitingCode {
			return nil, unavailable(fmt.Sprintf("slot %d is %s", slot.Index, slot.State))
		}
		return []Slot{slot}, nil
	}
	awaiting := in.slots.InState(StateAwaitingCode)
	if len(awaiting) == 0 {
		return nil, unavailable("no slot awaiting a code")
	}
	return awaiting, nil
}

// resolveShortCode asks the issuers whose prefix matches for the full code.
func (in *Inbox) resolveShortCode(ctx context.Context, short string) (string, error) {
	prefix, rest := short[:1], short[1:]
	matching := lo.Filter(in.slots.InState(StateAwaitingCode), func(s Slot, _ int) bool {
		return SecurityCodePrefix(s.Issuer) == prefix
	})

	var lastErr error
	for _, slot := range matching {
		msg, err := in.issuers.LookupCode(ctx, CodeRequest{
			ServiceURL:   slot.ServiceURL,
			Account:      in.target.Account,
			Issuer:       slot.Issuer,
			PhoneNumber:  in.target.PhoneNumber,
			Salt:         in.target.Pepper,
			SecurityCode: rest,
		})
		if err != nil {
			in.logger.Debug("security code lookup failed", "issuer", slot.Issuer.Hex(), "error", err)
			lastErr = err
			continue
		}
		if full := ExtractCode(msg); full != "" {
			return full, nil
		}
	}
	if lastErr != nil && faults.IsTransient(lastErr) {
		return "", faults.New(faults.KindNetwork, "inbox.security_code", lastErr)
	}
	return "", faults.Coded(faults.KindProtocol, "inbox.security_code", "no_matching_issuer",
		fmt.Errorf("%w: security code %s", ErrNoMatchingIssuer, strings.Repeat("*", len(short))))
}
