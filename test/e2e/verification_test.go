//go:build e2e

package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/phoneverify/pkg/client"
)

const testPhone = "+14155550000"

// ensureIdle cancels any attempt left by an earlier test and clears ledger
// state so each test starts unverified.
func ensureIdle(t *testing.T, c *client.Client) {
	t.Helper()
	ctx := context.Background()
	st, err := c.Status(ctx)
	require.NoError(t, err)
	if st.Phase != "idle" && !st.Terminal() {
		_, err := c.Cancel(ctx)
		require.NoError(t, err)
	}
	testCtx.Ledger.reset()
}

func TestVerification_FullAttempt(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-full"))
	ensureIdle(t, c)
	ctx := context.Background()

	st, err := c.Start(ctx, client.StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	require.NotEmpty(t, st.AttemptID)
	assert.False(t, st.Relayed)

	st = waitFor(t, c, "all slots revealed", awaitingCodes)
	require.Len(t, st.Slots, 3)
	assert.NotEmpty(t, st.Identifier)
	assert.GreaterOrEqual(t, testCtx.Issuers.Reveals(), 3)

	t.Run("duplicate start rejected", func(t *testing.T) {
		_, err := c.Start(ctx, client.StartRequest{PhoneNumber: testPhone})
		assertHTTPError(t, err, "ATTEMPT_IN_PROGRESS")
	})

	t.Run("unknown code rejected", func(t *testing.T) {
		_, err := c.SubmitCode(ctx, client.CodeRequest{Message: codeFor(9), Channel: "manual"})
		require.Error(t, err)
	})

	seen := map[int]bool{}
	for i := range issuers {
		res, err := c.SubmitCode(ctx, client.CodeRequest{
			Message: "<#> Your verification code: " + codeFor(i),
			Channel: "auto_read",
		})
		require.NoError(t, err)
		seen[res.Slot] = true
	}
	assert.Len(t, seen, 3)

	final := waitFor(t, c, "succeeded", inPhase("succeeded"))
	assert.Equal(t, 3, final.Completed)
	assert.Equal(t, 3, final.Total)
	assert.Nil(t, final.Error)

	t.Run("history persisted", func(t *testing.T) {
		page, err := c.History(ctx, 10, "")
		require.NoError(t, err)
		require.NotEmpty(t, page.Data)
		latest := page.Data[0]
		assert.Equal(t, st.AttemptID, latest.ID)
		assert.Equal(t, "succeeded", latest.Phase)
		assert.Equal(t, 3, latest.Completed)
		assert.NotNil(t, latest.FinishedAt)
	})

	t.Run("pepper cached", func(t *testing.T) {
		pepper, err := testCtx.Store.GetPepper(ctx, testPhone)
		require.NoError(t, err)
		assert.NotEmpty(t, pepper)
	})

	t.Run("second attempt short-circuits when already verified", func(t *testing.T) {
		calls := testCtx.Oracle.Calls()
		_, err := c.Start(ctx, client.StartRequest{PhoneNumber: testPhone})
		require.NoError(t, err)

		again := waitFor(t, c, "succeeded", func(s client.Status) bool { return s.Terminal() })
		assert.Equal(t, "succeeded", again.Phase)
		assert.Equal(t, calls, testCtx.Oracle.Calls(), "cached pepper should avoid the oracle")
	})
}

func TestVerification_CancelAndReset(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-cancel"))
	ensureIdle(t, c)
	ctx := context.Background()

	_, err := c.Start(ctx, client.StartRequest{PhoneNumber: testPhone})
	require.NoError(t, err)
	waitFor(t, c, "all slots revealed", awaitingCodes)

	n, err := c.Resend(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	st, err := c.Cancel(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Phase)

	_, err = c.SubmitCode(ctx, client.CodeRequest{Message: codeFor(0), Channel: "manual"})
	assertHTTPError(t, err, "NOT_ACCEPTING_CODES")

	require.NoError(t, c.Reset(ctx, testPhone))
	_, err = testCtx.Store.GetPepper(ctx, testPhone)
	assert.Error(t, err, "reset should drop the cached pepper")
}

func TestVerification_InvalidRequests(t *testing.T) {
	c := newClient(testCtx.TestServer, createTestAPIKey(t, testCtx.Store, "e2e-invalid"))
	ensureIdle(t, c)
	ctx := context.Background()

	t.Run("bad phone number", func(t *testing.T) {
		_, err := c.Start(ctx, client.StartRequest{PhoneNumber: "4155550000"})
		assertHTTPError(t, err, "INVALID_REQUEST")
	})

	t.Run("bad channel", func(t *testing.T) {
		_, err := c.SubmitCode(ctx, client.CodeRequest{Message: codeFor(0), Channel: "pigeon"})
		assertHTTPError(t, err, "INVALID_REQUEST")
	})

	t.Run("cancel with nothing running", func(t *testing.T) {
		_, err := c.Cancel(ctx)
		assertHTTPError(t, err, "NO_ACTIVE_ATTEMPT")
	})
}
