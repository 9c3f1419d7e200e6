// Package relayer is an HTTP client for the fee-relayer service.
package relayer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sony/gobreaker"

	"github.com/pendergraft/phoneverify/internal/faults"
	sessions "github.com/pendergraft/phoneverify/internal/sessions/domain"
)

// Circuit breaker tuning.
const (
	breakerMaxRequests  = 3
	breakerInterval     = 30 * time.Second
	breakerTimeout      = 60 * time.Second
	breakerFailureRatio = 0.6
)

// Relayer error codes mapped onto fault kinds.
const (
	codeInvalidWallet = "invalid_wallet"
	codeQuota         = "quota_exceeded"
)

var (
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("relayer circuit open")
	// ErrNoWallet is returned when a deployment response carries no address.
	ErrNoWallet = errors.New("relayer returned no wallet address")
)

// Observer is told about every relayer call.
type Observer func(method string, err error, d time.Duration)

// Client talks to the relayer on behalf of one account.
type Client struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	account    common.Address
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	observe    Observer
	logger     *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithObserver reports call outcomes, typically to metrics.
func WithObserver(o Observer) Option {
	return func(client *Client) {
		client.observe = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(client *Client) {
		client.logger = l
	}
}

// New creates a relayer client that signs session requests with key.
func New(baseURL string, key *ecdsa.PrivateKey, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		account: crypto.PubkeyToAddress(key.PublicKey),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "relayer",
		MaxRequests: breakerMaxRequests,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMaxRequests && ratio >= breakerFailureRatio
		},
		// Only transport trouble counts against the relayer.
		IsSuccessful: func(err error) bool {
			return err == nil || faults.KindOf(err) != faults.KindNetwork
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

type quotaLeft struct {
	DistributedBlindedPepper     int `json:"distributedBlindedPepper"`
	RequestSubsidisedAttestation int `json:"requestSubsidisedAttestation"`
	SubmitMetaTransaction        int `json:"submitMetaTransaction"`
}

func (q quotaLeft) quota() sessions.Quota {
	return sessions.Quota{
		PepperFetchesLeft: q.DistributedBlindedPepper,
		AttestationsLeft:  q.RequestSubsidisedAttestation,
		CompletionsLeft:   q.SubmitMetaTransaction,
	}
}

// CheckService polls the relayer readiness endpoint.
func (c *Client) CheckService(ctx context.Context) error {
	return c.call(ctx, "check_service", http.MethodGet, "/v1/ready", "", nil, nil)
}

// StartSession exchanges a humanity proof for a session token. The request
// is signed with the account key to prove ownership.
func (c *Client) StartSession(ctx context.Context, humanityProof string) (sessions.Grant, error) {
	sig, err := crypto.Sign(accounts.TextHash(crypto.Keccak256([]byte(humanityProof), c.account.Bytes())), c.key)
	if err != nil {
		return sessions.Grant{}, faults.New(faults.KindFatal, "relayer.start_session", err)
	}
	body := map[string]string{
		"captchaResponseToken": humanityProof,
		"externalAccount":      c.account.Hex(),
		"signature":            hexutil.Encode(sig),
	}
	var resp struct {
		Token       string `json:"token"`
		CallbackURL string `json:"callbackUrl"`
	}
	if err := c.call(ctx, "start_session", http.MethodPost, "/v1/startSession", "", body, &resp); err != nil {
		return sessions.Grant{}, err
	}
	if resp.Token == "" {
		return sessions.Grant{}, faults.Protocol("relayer.start_session", errors.New("empty session token"))
	}
	return sessions.Grant{
		Token:       resp.Token,
		CallbackURL: resp.CallbackURL,
		ExpiresAt:   TokenExpiry(resp.Token),
	}, nil
}

// CheckSession returns the quota left on token.
func (c *Client) CheckSession(ctx context.Context, token string) (sessions.Quota, error) {
	var resp struct {
		QuotaLeft quotaLeft `json:"quotaLeft"`
	}
	if err := c.call(ctx, "check_session", http.MethodGet, "/v1/checkSession", token, nil, &resp); err != nil {
		return sessions.Quota{}, err
	}
	return resp.QuotaLeft.quota(), nil
}

// GetDistributedPepper has the relayer forward a blinded phone number to the
// oracle and returns the combined blind signature.
func (c *Client) GetDistributedPepper(ctx context.Context, token, phone string, blinded []byte) ([]byte, error) {
	body := map[string]string{
		"e164Number":         phone,
		"blindedPhoneNumber": hexutil.Encode(blinded),
	}
	var resp struct {
		CombinedSignature string `json:"combinedSignature"`
	}
	if err := c.call(ctx, "distributed_pepper", http.MethodPost, "/v1/distributedBlindedPepper", token, body, &resp); err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(resp.CombinedSignature)
	if err != nil {
		return nil, faults.Protocol("relayer.distributed_pepper", fmt.Errorf("decoding signature: %w", err))
	}
	return sig, nil
}

// DeployWallet deploys a relay wallet proxy for the account.
func (c *Client) DeployWallet(ctx context.Context, token string, implementation common.Address) (common.Address, error) {
	body := map[string]string{"implementationAddress": implementation.Hex()}
	var resp struct {
		WalletAddress string `json:"walletAddress"`
		TxHash        string `json:"txHash"`
	}
	if err := c.call(ctx, "deploy_wallet", http.MethodPost, "/v1/deployWallet", token, body, &resp); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(resp.WalletAddress) || common.HexToAddress(resp.WalletAddress) == (common.Address{}) {
		return common.Address{}, faults.Protocol("relayer.deploy_wallet", ErrNoWallet)
	}
	c.logger.Info("relay wallet deployed", "wallet", resp.WalletAddress, "tx", resp.TxHash)
	return common.HexToAddress(resp.WalletAddress), nil
}

// RequestAttestations requests and selects count attestations for the wallet.
func (c *Client) RequestAttestations(ctx context.Context, token string, identifier common.Hash, account common.Address, count int) error {
	body := map[string]any{
		"identifier":            identifier.Hex(),
		"walletAddress":         account.Hex(),
		"attestationsRequested": count,
	}
	return c.call(ctx, "request_attestations", http.MethodPost, "/v1/requestSubsidisedAttestations", token, body, nil)
}

// CompleteAttestation submits code for issuer as a meta-transaction from the wallet.
func (c *Client) CompleteAttestation(ctx context.Context, token string, identifier common.Hash, account, issuer common.Address, code string) error {
	body := map[string]string{
		"identifier":    identifier.Hex(),
		"walletAddress": account.Hex(),
		"issuer":        issuer.Hex(),
		"code":          code,
	}
	return c.call(ctx, "complete_attestation", http.MethodPost, "/v1/completeAttestation", token, body, nil)
}

// TokenExpiry reads the exp claim of a session token without verifying it.
// Tokens that are not JWTs, or carry no exp, never expire.
func TokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method, httpMethod, path, token string, body, result any) error {
	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, httpMethod, path, token, body, result)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = faults.Coded(faults.KindNetwork, "relayer."+method, "circuit_open", ErrCircuitOpen)
	}
	if c.observe != nil {
		c.observe(method, err, time.Since(start))
	}
	return err
}

func (c *Client) do(ctx context.Context, method, httpMethod, path, token string, body, result any) error {
	op := "relayer." + method

	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return faults.New(faults.KindFatal, op, err)
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, reader)
	if err != nil {
		return faults.New(faults.KindFatal, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faults.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(op, resp)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return faults.Protocol(op, fmt.Errorf("decoding response: %w", err))
		}
	}
	return nil
}

func parseError(op string, resp *http.Response) error {
	var errResp struct {
		Error apiError `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Error.Message == "" {
		errResp.Error.Message = strings.TrimSpace(string(raw))
		if errResp.Error.Message == "" {
			errResp.Error.Message = resp.Status
		}
	}
	e := errResp.Error
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Message)

	switch {
	case e.Code == codeInvalidWallet:
		return faults.Coded(faults.KindInvalidWallet, op, e.Code, err)
	case resp.StatusCode == http.StatusTooManyRequests || e.Code == codeQuota:
		return faults.Coded(faults.KindQuotaExceeded, op, codeQuota, err)
	case resp.StatusCode >= 500:
		return faults.Network(op, err)
	case faults.IsRevert(err):
		return faults.Revert(op, err)
	default:
		return faults.Coded(faults.KindProtocol, op, e.Code, err)
	}
}
