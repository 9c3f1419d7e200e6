package domain

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/chains"
	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/identifier"
	wallets "github.com/pendergraft/phoneverify/internal/wallets/domain"
)

type harness struct {
	c        *Controller
	signer   common.Address
	deriver  *fakeDeriver
	sessions *fakeSessions
	wallets  *fakeWallets
	ledger   *fakeLedger
	relayer  *fakeRelayer
	issuers  *fakeIssuers
	attempts *memAttempts
}

func newHarness(t *testing.T, relayed bool, tune ...func(*Settings)) *harness {
	t.Helper()
	key := testKey(t)
	h := &harness{
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		deriver:  &fakeDeriver{},
		sessions: newFakeSessions(),
		wallets:  &fakeWallets{wallet: &wallets.RelayWallet{Address: relayWallet}},
		ledger:   newFakeLedger(),
		relayer:  &fakeRelayer{},
		issuers:  &fakeIssuers{},
		attempts: newMemAttempts(),
	}
	settings := testSettings()
	settings.RelayerEnabled = relayed
	for _, f := range tune {
		f(&settings)
	}
	h.c = NewController(Dependencies{
		Key:      key,
		Deriver:  h.deriver,
		Sessions: h.sessions,
		Wallets:  h.wallets,
		Ledger:   h.ledger,
		Relayer:  h.relayer,
		Issuers:  h.issuers,
		Attempts: h.attempts,
	}, settings, testLogger())
	t.Cleanup(h.c.Close)
	return h
}

func waitFor(t *testing.T, c *Controller, cond func(Status) bool) Status {
	t.Helper()
	var last Status
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		if err != nil {
			return false
		}
		last = st
		return cond(st)
	}, 3*time.Second, 5*time.Millisecond, "last status: %+v", &last)
	return last
}

func inPhase(p PhaseName) func(Status) bool {
	return func(st Status) bool { return st.Phase == p }
}

// awaitingCodes holds once every slot has been revealed.
func awaitingCodes(st Status) bool {
	if st.Phase != PhaseAwaitingCodes || len(st.Slots) != 3 {
		return false
	}
	for _, s := range st.Slots {
		if s.State != attestations.StateAwaitingCode {
			return false
		}
	}
	return true
}

func submit(t *testing.T, c *Controller, message, channel string) CodeResult {
	t.Helper()
	res, err := c.SubmitCode(context.Background(), CodeRequest{Message: message, Channel: channel})
	require.NoError(t, err)
	return res
}

func TestController_EndToEnd(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	st, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	assert.Equal(t, PhaseCheckingRelayerReady, st.Phase)
	assert.NotEmpty(t, st.AttemptID)

	waitFor(t, h.c, awaitingCodes)
	a, err := h.c.liveAttempt(ctx)
	require.NoError(t, err)
	inbox := a.coordinator.Load().Inbox()

	base64Code := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 65))
	assert.Equal(t, 1, submit(t, h.c, "<#> Your verification code: "+codeFor(1), "auto_read").Slot)
	assert.Equal(t, 2, submit(t, h.c, "<#> Your verification code: "+base64Code, "auto_read").Slot)
	assert.Equal(t, 0, submit(t, h.c, codeFor(0), "manual").Slot)

	final := waitFor(t, h.c, inPhase(PhaseSucceeded))
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, 3, final.Total)
	assert.Nil(t, final.Error)
	assert.False(t, final.Relayed)
	assert.Equal(t, testHash.Hex(), final.Identifier)

	assert.Equal(t, []int{3}, h.ledger.requests())
	assert.Equal(t, []common.Address{issuer0, issuer1, issuer2}, h.ledger.completed())
	assert.Equal(t, 0, inbox.Pending())

	rec, ok := h.attempts.get(st.AttemptID)
	require.True(t, ok)
	assert.Equal(t, string(PhaseSucceeded), rec.Phase)
	assert.Equal(t, 3, rec.Completed)
	assert.Equal(t, h.signer.Hex(), rec.Account)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestController_RelayedAttempt(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone, HumanityProof: "proof"})
	require.NoError(t, err)

	st := waitFor(t, h.c, awaitingCodes)
	assert.True(t, st.Relayed)
	assert.Equal(t, relayWallet.Hex(), st.Wallet)

	for _, b := range []byte{0, 1, 2} {
		submit(t, h.c, codeFor(b), "deep_link")
	}
	waitFor(t, h.c, inPhase(PhaseSucceeded))

	assert.Equal(t, []int{3}, h.relayer.requested)
	assert.Equal(t, relayWallet, h.relayer.accounts[0])
	assert.Len(t, h.relayer.completes, 3)
	assert.Empty(t, h.ledger.requests())
	assert.Empty(t, h.ledger.completed())
	assert.Equal(t, [3]int{1, 3, 3}, h.sessions.consumed)
	for _, tok := range h.relayer.tokens {
		assert.Equal(t, "session-token", tok)
	}
}

func TestController_AlreadyVerifiedShortCircuits(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.status[h.signer] = chains.AttestationsStatus{Completed: 3, Total: 3}
	h.ledger.accounts = []common.Address{h.signer}

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, inPhase(PhaseSucceeded))
	assert.Equal(t, 3, st.Completed)
	assert.False(t, st.Revoked)
	assert.Empty(t, h.ledger.requests())
	assert.Empty(t, h.issuers.reveals)
}

func TestController_VerifiedRelayWalletShortCircuits(t *testing.T) {
	h := newHarness(t, true)
	h.wallets.wallet = &wallets.RelayWallet{Address: relayWallet, Verified: true}

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, inPhase(PhaseSucceeded))
	assert.Equal(t, relayWallet.Hex(), st.Wallet)
	assert.Equal(t, 1, h.wallets.calls)
	assert.Empty(t, h.relayer.requested)
}

func TestController_MultipleVerifiedWalletsFails(t *testing.T) {
	h := newHarness(t, true)
	h.wallets.err = faults.Coded(faults.KindProtocol, "wallets.find_verified", "multiple_verified_wallets", wallets.ErrMultipleVerifiedWallets)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, inPhase(PhaseFailed))
	require.NotNil(t, st.Error)
	assert.Equal(t, "multiple_verified_wallets", st.Error.Code)
	assert.Equal(t, faults.KindProtocol.String(), st.Error.Kind)
	assert.Empty(t, h.relayer.requested)
	assert.Empty(t, h.ledger.requests())
}

func TestController_RelayerNotReadyFallsBack(t *testing.T) {
	h := newHarness(t, true)
	h.sessions.readyErr = faults.Network("relayer.check_service", context.DeadlineExceeded)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, awaitingCodes)
	assert.False(t, st.Relayed)
	assert.Equal(t, []int{3}, h.ledger.requests())
	assert.Empty(t, h.relayer.requested)
	assert.Equal(t, 0, h.wallets.calls)
	require.NoError(t, h.c.Cancel(context.Background()))
}

func TestController_WalletQuotaFallsBack(t *testing.T) {
	h := newHarness(t, true)
	h.wallets.err = faults.Coded(faults.KindQuotaExceeded, "wallets.resolve", "quota", wallets.ErrQuotaExceeded)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, awaitingCodes)
	assert.False(t, st.Relayed)
	assert.Nil(t, st.Quota)
	assert.Equal(t, 1, h.sessions.deactivated)
	assert.Equal(t, []int{3}, h.ledger.requests())
	require.NoError(t, h.c.Cancel(context.Background()))
}

func TestController_PepperQuotaFallsBackToOracle(t *testing.T) {
	h := newHarness(t, true)
	h.deriver.routeErr = faults.Quota("identifier.relay", identifier.ErrQuotaExhausted)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, awaitingCodes)
	assert.True(t, st.Relayed)

	h.deriver.mu.Lock()
	routes := h.deriver.routes
	h.deriver.mu.Unlock()
	require.Len(t, routes, 2)
	assert.NotNil(t, routes[0])
	assert.Nil(t, routes[1])

	h.sessions.mu.Lock()
	assert.Equal(t, 0, h.sessions.consumed[0])
	h.sessions.mu.Unlock()
	require.NoError(t, h.c.Cancel(context.Background()))
}

func TestController_CancelReturnsToIdle(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)

	require.NoError(t, h.c.Cancel(ctx))
	st, err := h.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, st.Phase)

	assert.ErrorIs(t, h.c.Cancel(ctx), ErrNoActiveAttempt)
	_, err = h.c.SubmitCode(ctx, CodeRequest{Message: codeFor(0), Channel: "manual"})
	assert.ErrorIs(t, err, ErrNotAcceptingCodes)

	require.Eventually(t, func() bool {
		rec, ok := h.attempts.get(first.AttemptID)
		return ok && rec.Phase == string(PhaseIdle) && rec.ErrorCode == "cancelled"
	}, 3*time.Second, 5*time.Millisecond)

	second, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	waitFor(t, h.c, awaitingCodes)
}

func TestController_TimeoutFails(t *testing.T) {
	h := newHarness(t, false, func(s *Settings) { s.Timeout = 100 * time.Millisecond })

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, inPhase(PhaseFailed))
	require.NotNil(t, st.Error)
	assert.Equal(t, "timeout", st.Error.Code)
	assert.Equal(t, 0, st.Completed)
}

func TestController_StartWhileRunning(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	_, err = h.c.Start(ctx, StartRequest{PhoneNumber: "+14155550001"})
	assert.ErrorIs(t, err, ErrAttemptInProgress)
	require.NoError(t, h.c.Cancel(ctx))
}

func TestController_RejectsBadInput(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: "4155550000"})
	assert.ErrorIs(t, err, ErrInvalidPhoneNumber)

	_, err = h.c.SubmitCode(ctx, CodeRequest{Message: codeFor(0), Channel: "fax"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	seven := 7
	_, err = h.c.SubmitCode(ctx, CodeRequest{Message: codeFor(0), Channel: "manual", Index: &seven})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.c.SubmitCode(ctx, CodeRequest{Message: codeFor(0), Channel: "manual"})
	assert.ErrorIs(t, err, ErrNotAcceptingCodes)
}

func TestController_MessageWithoutCodeIgnored(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)

	res, err := h.c.SubmitCode(ctx, CodeRequest{Message: "Your balance is low", Channel: "auto_read"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	// The attempt is untouched and still takes real codes.
	st := waitFor(t, h.c, awaitingCodes)
	assert.Equal(t, 0, st.Completed)
	assert.Equal(t, 1, submit(t, h.c, codeFor(1), "manual").Slot)
	require.NoError(t, h.c.Cancel(ctx))
}

func TestController_SubmissionEndsWithAttempt(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)

	a, err := h.c.liveAttempt(ctx)
	require.NoError(t, err)
	subCtx, done := withAttempt(ctx, a)
	defer done()
	require.NoError(t, subCtx.Err())

	require.NoError(t, h.c.Cancel(ctx))
	select {
	case <-subCtx.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("submission context outlived the cancelled attempt")
	}
	assert.ErrorIs(t, subCtx.Err(), context.Canceled)
}

func TestController_SubmissionEndsWithCaller(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)
	a, err := h.c.liveAttempt(context.Background())
	require.NoError(t, err)

	caller, cancelCaller := context.WithCancel(context.Background())
	subCtx, done := withAttempt(caller, a)
	defer done()
	cancelCaller()
	<-subCtx.Done()
	assert.NoError(t, a.ctx.Err(), "caller going away must not end the attempt")
	require.NoError(t, h.c.Cancel(context.Background()))
}

func TestController_RevokedAccountFlagged(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.status[h.signer] = chains.AttestationsStatus{Completed: 1, Total: 2}

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	st := waitFor(t, h.c, func(st Status) bool { return st.Phase == PhaseAwaitingCodes })
	assert.True(t, st.Revoked)
	assert.Equal(t, []int{2}, h.ledger.requests())
	assert.Equal(t, 1, st.Completed)
	require.NoError(t, h.c.Cancel(context.Background()))
}

func TestController_Reset(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)
	assert.ErrorIs(t, h.c.Reset(ctx, ResetRequest{}), ErrAttemptInProgress)

	require.NoError(t, h.c.Cancel(ctx))
	require.NoError(t, h.c.Reset(ctx, ResetRequest{}))

	assert.Equal(t, []string{testPhone}, h.deriver.forgotten)
	assert.Equal(t, 1, h.sessions.resets)
	st := waitFor(t, h.c, inPhase(PhaseIdle))
	assert.Empty(t, st.AttemptID)
	assert.Empty(t, st.PhoneNumber)
}

func TestController_ClearRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)
	a, err := h.c.liveAttempt(ctx)
	require.NoError(t, err)

	// A clear that reaches the loop after a Start must not orphan the attempt.
	reply := make(chan clearReply, 1)
	require.NoError(t, h.c.send(ctx, clearMsg{reply: reply}))
	r := <-reply
	assert.ErrorIs(t, r.err, ErrAttemptInProgress)

	st, err := h.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingCodes, st.Phase)
	assert.Equal(t, 1, submit(t, h.c, codeFor(1), "manual").Slot)

	require.NoError(t, h.c.Cancel(ctx))
	assert.Error(t, a.ctx.Err())
	assert.Empty(t, h.deriver.forgotten)
}

func TestController_StartHeldDuringReset(t *testing.T) {
	h := newHarness(t, true)
	h.deriver.forgetting = make(chan struct{})
	h.deriver.release = make(chan struct{})
	ctx := context.Background()

	resetErr := make(chan error, 1)
	go func() {
		resetErr <- h.c.Reset(ctx, ResetRequest{PhoneNumber: testPhone})
	}()
	<-h.deriver.forgetting

	_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
	assert.ErrorIs(t, err, ErrResetInProgress)
	assert.ErrorIs(t, h.c.Reset(ctx, ResetRequest{}), ErrResetInProgress)

	close(h.deriver.release)
	require.NoError(t, <-resetErr)
	assert.Equal(t, 1, h.sessions.resets)

	// Start is accepted once the reset has returned.
	require.Eventually(t, func() bool {
		_, err := h.c.Start(ctx, StartRequest{PhoneNumber: testPhone})
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, h.c.Cancel(ctx))
}

func TestController_SubscribeStreamsPhases(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.status[h.signer] = chains.AttestationsStatus{Completed: 3, Total: 3}
	h.ledger.accounts = []common.Address{h.signer}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.c.Subscribe(ctx)
	require.NoError(t, err)

	_, err = h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)

	var phases []PhaseName
	timeout := time.After(3 * time.Second)
collect:
	for {
		select {
		case st := <-events:
			if len(phases) == 0 || phases[len(phases)-1] != st.Phase {
				phases = append(phases, st.Phase)
			}
			if st.Phase.Terminal() {
				break collect
			}
		case <-timeout:
			t.Fatalf("no terminal phase, got %v", phases)
		}
	}
	assert.Equal(t, []PhaseName{PhaseIdle, PhaseCheckingRelayerReady, PhaseResolvingWallet, PhaseSucceeded}, phases)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 5*time.Millisecond)
}

func TestController_History(t *testing.T) {
	h := newHarness(t, false)
	h.ledger.status[h.signer] = chains.AttestationsStatus{Completed: 3, Total: 3}
	h.ledger.accounts = []common.Address{h.signer}

	st, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, inPhase(PhaseSucceeded))

	hist, err := h.c.History(context.Background(), PaginationParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hist.Attempts, 1)
	assert.Equal(t, st.AttemptID, hist.Attempts[0].ID)
	assert.Equal(t, PhaseSucceeded, hist.Attempts[0].Phase)
	assert.Equal(t, 3, hist.Attempts[0].Completed)
	assert.NotNil(t, hist.Attempts[0].FinishedAt)
}

func TestController_CloseStopsAttempt(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.c.Start(context.Background(), StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, h.c, awaitingCodes)

	h.c.Close()
	_, err = h.c.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
