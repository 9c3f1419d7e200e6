package domain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/phoneverify/internal/faults"
)

// Transactor sends attestation transactions, either directly from the
// account or through the relayer.
type Transactor interface {
	RequestAttestations(ctx context.Context, identifier common.Hash, account common.Address, count int) error
	CompleteAttestation(ctx context.Context, identifier common.Hash, account, issuer common.Address, code string) error
}

// BlockWaiter blocks until the ledger mines a new block.
type BlockWaiter interface {
	WaitForNextBlock(ctx context.Context) error
}

// Submitter sends complete transactions, serialised per wallet.
type Submitter struct {
	tx          Transactor
	blocks      BlockWaiter
	maxAttempts int
	logger      *slog.Logger
	observe     func(CompletionAttempt)

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// NewSubmitter creates a submitter. observe, when set, sees every failed submission.
func NewSubmitter(tx Transactor, blocks BlockWaiter, maxAttempts int, observe func(CompletionAttempt), logger *slog.Logger) *Submitter {
	return &Submitter{
		tx:          tx,
		blocks:      blocks,
		maxAttempts: max(1, maxAttempts),
		logger:      logger.With("component", "submitter"),
		observe:     observe,
		locks:       make(map[common.Address]*sync.Mutex),
	}
}

// Submit completes one attestation. Reverts are retried after the next block;
// anything else is returned at once.
func (s *Submitter) Submit(ctx context.Context, target Target, a Assignment) error {
	lock := s.walletLock(target.Account)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.With("slot", a.Slot, "issuer", a.Issuer.Hex())

	var err error
	for n := 1; n <= s.maxAttempts; n++ {
		if n > 1 {
			if werr := s.blocks.WaitForNextBlock(ctx); werr != nil {
				return faults.New(faults.KindOf(werr), "submitter.wait_block", werr)
			}
		}
		err = s.tx.CompleteAttestation(ctx, target.Identifier, target.Account, a.Issuer, a.Code)
		if err == nil {
			log.Info("attestation completed", "attempt", n)
			return nil
		}
		if s.observe != nil {
			s.observe(CompletionAttempt{Slot: a.Slot, Number: n, LastError: err})
		}
		if !faults.IsRevert(err) {
			log.Warn("completion failed", "attempt", n, "error", err)
			return err
		}
		log.Info("completion reverted", "attempt", n, "max_attempts", s.maxAttempts, "error", err)
	}
	return faults.Coded(faults.KindRevert, "submitter.complete", "completion_reverted",
		fmt.Errorf("after %d attempts: %w", s.maxAttempts, err))
}

func (s *Submitter) walletLock(wallet common.Address) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[wallet]
	if !ok {
		l = &sync.Mutex{}
		s.locks[wallet] = l
	}
	return l
}
