package server

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/pendergraft/phoneverify/internal/config"
)

func TestSettingsMapping(t *testing.T) {
	cfg := &config.Config{}
	cfg.Relayer.Enabled = true
	cfg.Ledger.WalletImplementations = []string{"0x00000000000000000000000000000000000000a1", " 0x00000000000000000000000000000000000000a2"}
	cfg.Verification.AttemptTimeout = 2 * time.Minute
	cfg.Verification.AttestationsRequired = 3
	cfg.Verification.CompletionAttempts = 4
	cfg.Verification.RevealRetryDelay = time.Second
	cfg.Verification.DeployRetries = 5
	cfg.Verification.ErrorWindow = 3 * time.Hour
	cfg.Verification.ErrorAllotment = 2
	cfg.Verification.ReadinessRetries = 3

	v := verificationSettings(cfg)
	assert.True(t, v.RelayerEnabled)
	assert.Equal(t, 2*time.Minute, v.Timeout)
	assert.Equal(t, 3, v.Attestations.Required)
	assert.Equal(t, 4, v.Attestations.CompletionAttempts)
	assert.Equal(t, time.Second, v.Attestations.RevealRetryDelay)

	w := walletSettings(cfg)
	assert.Equal(t, 5, w.DeployRetries)
	assert.Equal(t, 3, w.RequiredAttestations)
	assert.Equal(t, common.HexToAddress("0xa1"), w.Implementation)

	s := sessionSettings(cfg)
	assert.Equal(t, 3*time.Hour, s.ErrorWindow)
	assert.Equal(t, 2, s.ErrorAllotment)
	assert.Equal(t, 3, s.ReadinessRetries)
}
