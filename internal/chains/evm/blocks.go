package evm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/pendergraft/phoneverify/internal/faults"
)

var errBlockPending = errors.New("block not yet produced")

// WaitForNextBlock blocks until the chain head moves past the current block.
func (l *Ledger) WaitForNextBlock(ctx context.Context) error {
	head, err := l.backend.BlockNumber(ctx)
	if err != nil {
		return wrap("ledger.block_number", err)
	}
	return l.waitForBlock(ctx, head+1)
}

// waitForBlock polls the head with exponential backoff until it reaches target.
// Transient RPC failures keep polling.
func (l *Ledger) waitForBlock(ctx context.Context, target uint64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.poll
	b.MaxInterval = 4 * l.poll
	b.MaxElapsedTime = 0

	op := func() error {
		head, err := l.backend.BlockNumber(ctx)
		if err != nil {
			err = wrap("ledger.block_number", err)
			if faults.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if head < target {
			return errBlockPending
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, errBlockPending) {
			return faults.Network("ledger.wait_block", fmt.Errorf("block %d: %w", target, err))
		}
		return err
	}
	return nil
}
