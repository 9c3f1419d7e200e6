// Package issuers is an HTTP client for issuer attestation services.
package issuers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	attestations "github.com/pendergraft/phoneverify/internal/attestations/domain"
	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/validation"
)

// ShortCodeMinVersion is the first service version that understands
// security-code prefixes.
const ShortCodeMinVersion = "1.1.0"

// noIncompleteMessage is what a service says when it has not yet seen the
// attestation selected on-chain.
const noIncompleteMessage = "no incomplete attestation found"

// ErrServiceRejected is returned when a service answers with success=false.
var ErrServiceRejected = errors.New("attestation service rejected the request")

// Client talks to any issuer's attestation service; the service URL travels
// with each request.
type Client struct {
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates an issuer service client.
func New(opts ...Option) *Client {
	c := &Client{httpClient: &http.Client{Timeout: 20 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type revealBody struct {
	AccountAddress     string `json:"accountAddress"`
	Issuer             string `json:"issuer"`
	PhoneNumber        string `json:"phoneNumber"`
	Salt               string `json:"salt"`
	SecurityCodePrefix string `json:"securityCodePrefix,omitempty"`
}

type serviceResponse struct {
	Success         bool   `json:"success"`
	Error           string `json:"error"`
	Status          string `json:"status"`
	AttestationCode string `json:"attestationCode"`
}

// Reveal asks the issuer to send the attestation message to the phone.
// Services older than ShortCodeMinVersion get no security-code prefix.
func (c *Client) Reveal(ctx context.Context, req attestations.RevealRequest) error {
	body := revealBody{
		AccountAddress: req.Account.Hex(),
		Issuer:         req.Issuer.Hex(),
		PhoneNumber:    req.PhoneNumber,
		Salt:           req.Salt,
	}
	if validation.AtLeast(req.ServiceVersion, ShortCodeMinVersion) {
		body.SecurityCodePrefix = req.SecurityCodePrefix
	}
	_, err := c.post(ctx, "issuers.reveal", req.ServiceURL+"/attestations", body)
	return err
}

// LookupCode exchanges a security code for the attestation message.
func (c *Client) LookupCode(ctx context.Context, req attestations.CodeRequest) (string, error) {
	body := map[string]string{
		"account":      req.Account.Hex(),
		"issuer":       req.Issuer.Hex(),
		"phoneNumber":  req.PhoneNumber,
		"salt":         req.Salt,
		"securityCode": req.SecurityCode,
	}
	resp, err := c.post(ctx, "issuers.lookup_code", req.ServiceURL+"/get_attestations", body)
	if err != nil {
		return "", err
	}
	if resp.AttestationCode == "" {
		return "", faults.Protocol("issuers.lookup_code", errors.New("no attestation code in response"))
	}
	return resp.AttestationCode, nil
}

// RevealStatus reports the service's delivery status for the attestation.
func (c *Client) RevealStatus(ctx context.Context, req attestations.RevealRequest) (string, error) {
	q := url.Values{}
	q.Set("account", req.Account.Hex())
	q.Set("issuer", req.Issuer.Hex())
	q.Set("phoneNumber", req.PhoneNumber)
	q.Set("salt", req.Salt)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.ServiceURL+"/get_attestations?"+q.Encode(), nil)
	if err != nil {
		return "", faults.New(faults.KindFatal, "issuers.reveal_status", err)
	}
	resp, err := c.do(httpReq, "issuers.reveal_status")
	if err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *Client) post(ctx context.Context, op, target string, body any) (*serviceResponse, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, &buf)
	if err != nil {
		return nil, faults.New(faults.KindFatal, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) (*serviceResponse, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, faults.Network(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, faults.Network(op, err)
	}
	var out serviceResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode >= 500 {
		return nil, faults.Network(op, fmt.Errorf("HTTP %d: %s", resp.StatusCode, out.Error))
	}
	if decodeErr != nil {
		return nil, faults.Protocol(op, fmt.Errorf("HTTP %d: decoding response: %w", resp.StatusCode, decodeErr))
	}
	if resp.StatusCode >= 400 || !out.Success {
		err := fmt.Errorf("%w: HTTP %d: %s", ErrServiceRejected, resp.StatusCode, out.Error)
		if strings.Contains(strings.ToLower(out.Error), noIncompleteMessage) {
			return nil, faults.Coded(faults.KindProtocol, op, attestations.CodeNoIncompleteAttestation, err)
		}
		return nil, faults.Protocol(op, err)
	}
	return &out, nil
}
