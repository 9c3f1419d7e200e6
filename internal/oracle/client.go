// Package oracle is an HTTP client for the blind-signature oracle used on the
// direct, unrelayed pepper path.
package oracle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pendergraft/phoneverify/internal/faults"
)

const signPath = "/getBlindedMessageSig"

// ErrOutOfQuota is returned when the account has no lookups left.
var ErrOutOfQuota = errors.New("oracle quota exhausted")

// Client requests blind signatures from the oracle.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates an oracle client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type signRequest struct {
	Account                 string `json:"account"`
	BlindedQueryPhoneNumber string `json:"blindedQueryPhoneNumber"`
	Timestamp               int64  `json:"timestamp"`
}

type signResponse struct {
	Success           bool   `json:"success"`
	CombinedSignature string `json:"combinedSignature"`
	Error             string `json:"error"`
}

// BlindSign asks the oracle to sign blinded. The body is authenticated with
// a signature by key in the Authorization header.
func (c *Client) BlindSign(ctx context.Context, key *ecdsa.PrivateKey, blinded []byte) ([]byte, error) {
	const op = "oracle.blind_sign"

	payload, err := json.Marshal(signRequest{
		Account:                 crypto.PubkeyToAddress(key.PublicKey).Hex(),
		BlindedQueryPhoneNumber: base64.StdEncoding.EncodeToString(blinded),
		Timestamp:               c.now().UnixMilli(),
	})
	if err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}
	sig, err := crypto.Sign(accounts.TextHash(payload), key)
	if err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+signPath, bytes.NewReader(payload))
	if err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", hexutil.Encode(sig))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Network(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, faults.Network(op, err)
	}
	var out signResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Coded(faults.KindQuotaExceeded, op, "oracle_quota", fmt.Errorf("%w: %s", ErrOutOfQuota, out.Error))
	case resp.StatusCode >= 500:
		return nil, faults.Network(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, out.Error))
	case resp.StatusCode != http.StatusOK || !out.Success:
		return nil, faults.Protocol(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, out.Error))
	}

	combined, err := base64.StdEncoding.DecodeString(out.CombinedSignature)
	if err != nil {
		return nil, faults.Protocol(op, fmt.Errorf("decoding signature: %w", err))
	}
	return combined, nil
}
