package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = errors.New("sentinel")

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindFatal},
		{"tagged", Quota("op", errSentinel), KindQuotaExceeded},
		{"wrapped tag", fmt.Errorf("outer: %w", Protocol("op", errSentinel)), KindProtocol},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"revert text", errors.New("execution reverted: not allowed"), KindRevert},
		{"transient text", errors.New("dial tcp: connection refused"), KindNetwork},
		{"unknown", errSentinel, KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwraps(t *testing.T) {
	err := Coded(KindInvalidWallet, "wallets.validate", "invalid_wallet", errSentinel).With("wallet", "0xbb")

	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, "invalid_wallet", CodeOf(err))
	assert.Equal(t, "0xbb", err.Context["wallet"])
	assert.Contains(t, err.Error(), "wallets.validate")
}

func TestWith_DoesNotMutate(t *testing.T) {
	base := Network("op", errSentinel)
	_ = base.With("k", "v")
	assert.Empty(t, base.Context)
}

func TestCodeOf_FallsBackToKind(t *testing.T) {
	assert.Equal(t, "network_error", CodeOf(Network("op", errSentinel)))
	assert.Equal(t, "revert", CodeOf(errors.New("transaction reverted")))
}

func TestCodeOf_FindsInnerCode(t *testing.T) {
	inner := Coded(KindRevert, "ledger.complete", "execution_reverted", errSentinel)

	assert.Equal(t, "execution_reverted", CodeOf(New(KindRevert, "submitter.complete", inner)))
	assert.Equal(t, "execution_reverted", CodeOf(fmt.Errorf("attempt 2: %w", New(KindOf(inner), "retry", inner))))
	assert.Equal(t, "execution_reverted", CodeOf(errors.Join(errSentinel, inner)))

	// The outermost code still wins.
	assert.Equal(t, "outer", CodeOf(Coded(KindProtocol, "op", "outer", inner)))
}

func TestIsRevert(t *testing.T) {
	assert.True(t, IsRevert(Revert("op", errSentinel)))
	assert.True(t, IsRevert(Network("op", errors.New("Execution Reverted"))))
	assert.False(t, IsRevert(errSentinel))
	assert.False(t, IsRevert(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Network("op", errSentinel)))
	assert.True(t, IsTransient(errors.New("i/o timeout")))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(Revert("op", errSentinel)))
	assert.False(t, IsTransient(nil))
}
