package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pendergraft/phoneverify/internal/faults"
)

// relayedTransactor sends attestation transactions through the relayer
// session of one attempt and keeps the local quota view in step.
type relayedTransactor struct {
	relayer  Relayer
	sessions Sessions
	token    string
}

func (t *relayedTransactor) RequestAttestations(ctx context.Context, id common.Hash, account common.Address, count int) error {
	if err := t.relayer.RequestAttestations(ctx, t.token, id, account, count); err != nil {
		t.observe(ctx, err)
		return err
	}
	t.sessions.ConsumeQuota(ctx, 0, count, 0)
	return nil
}

func (t *relayedTransactor) CompleteAttestation(ctx context.Context, id common.Hash, account, issuer common.Address, code string) error {
	if err := t.relayer.CompleteAttestation(ctx, t.token, id, account, issuer, code); err != nil {
		t.observe(ctx, err)
		return err
	}
	t.sessions.ConsumeQuota(ctx, 0, 0, 1)
	return nil
}

// observe feeds relayer health failures into the session error window.
// Reverts and quota errors say nothing about relayer health.
func (t *relayedTransactor) observe(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if faults.KindOf(err) == faults.KindNetwork {
		t.sessions.RecordError(ctx, err)
	}
}
