// Package client provides a Go client for the phoneverify daemon API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const basePath = "/api/v1/verification"

// Client is a phoneverify API client
type Client struct {
	baseURL    string
	apiKey     string
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

// New creates a new phoneverify client
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StartRequest starts a verification attempt
type StartRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	HumanityProof string `json:"humanityProof,omitempty"`
	Unrelayed     bool   `json:"unrelayed,omitempty"`
}

// CodeRequest submits a received message
type CodeRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	Index   *int   `json:"index,omitempty"`
}

// CodeResult reports the slot that took a code
type CodeResult struct {
	Slot    int    `json:"slot"`
	Issuer  string `json:"issuer"`
	Ignored bool   `json:"ignored,omitempty"`
}

// Slot is one attestation in progress
type Slot struct {
	Index      int    `json:"index"`
	Issuer     string `json:"issuer"`
	Name       string `json:"name,omitempty"`
	State      string `json:"state"`
	LastError  string `json:"lastError,omitempty"`
	NeedsRetry bool   `json:"needsRetry,omitempty"`
}

// Quota is what remains of the relayer session
type Quota struct {
	PepperFetchesLeft int `json:"pepperFetchesLeft"`
	AttestationsLeft  int `json:"attestationsLeft"`
	CompletionsLeft   int `json:"completionsLeft"`
}

// StatusError is why an attempt failed
type StatusError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Status is a snapshot of the daemon's verification state
type Status struct {
	AttemptID   string       `json:"attemptId,omitempty"`
	Phase       string       `json:"phase"`
	PhoneNumber string       `json:"phoneNumber,omitempty"`
	Identifier  string       `json:"identifier,omitempty"`
	Account     string       `json:"account"`
	Relayed     bool         `json:"relayed"`
	Wallet      string       `json:"wallet,omitempty"`
	Revoked     bool         `json:"revoked,omitempty"`
	Completed   int          `json:"completed"`
	Total       int          `json:"total"`
	Slots       []Slot       `json:"slots,omitempty"`
	Quota       *Quota       `json:"quota,omitempty"`
	Error       *StatusError `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Terminal reports whether the attempt has finished.
func (s Status) Terminal() bool {
	return s.Phase == "succeeded" || s.Phase == "failed"
}

// Attempt is one row of the attempt history
type Attempt struct {
	ID          string       `json:"id"`
	PhoneNumber string       `json:"phoneNumber"`
	Phase       string       `json:"phase"`
	Relayed     bool         `json:"relayed"`
	Wallet      string       `json:"wallet,omitempty"`
	Completed   int          `json:"completed"`
	Total       int          `json:"total"`
	Revoked     bool         `json:"revoked,omitempty"`
	Error       *StatusError `json:"error,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
}

// HistoryResponse is a page of attempts
type HistoryResponse struct {
	Data       []Attempt  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Health checks that the daemon is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Start begins a verification attempt.
func (c *Client) Start(ctx context.Context, req StartRequest) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodPost, basePath, req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Status returns the current state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, basePath, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Cancel abandons the running attempt.
func (c *Client) Cancel(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodDelete, basePath, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SubmitCode hands a received message to the running attempt.
func (c *Client) SubmitCode(ctx context.Context, req CodeRequest) (*CodeResult, error) {
	var res CodeResult
	if err := c.do(ctx, http.MethodPost, basePath+"/codes", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Resend asks issuers again for codes not yet received.
func (c *Client) Resend(ctx context.Context) (int, error) {
	var res struct {
		Revealed int `json:"revealed"`
	}
	if err := c.do(ctx, http.MethodPost, basePath+"/resend", nil, &res); err != nil {
		return 0, err
	}
	return res.Revealed, nil
}

// Reset drops the cached pepper and relayer session. An empty phone number
// means the last attempt's.
func (c *Client) Reset(ctx context.Context, phoneNumber string) error {
	var body any
	if phoneNumber != "" {
		body = map[string]string{"phoneNumber": phoneNumber}
	}
	return c.do(ctx, http.MethodPost, basePath+"/reset", body, nil)
}

// History lists past attempts, newest first.
func (c *Client) History(ctx context.Context, limit int, cursor string) (*HistoryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := basePath + "/attempts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var res HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Events streams status updates to fn until ctx ends, the server closes the
// stream, or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(Status) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+basePath+"/events", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any whole-request timeout.
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var st Status
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if err := fn(st); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{StatusCode: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: resp.Status}
	}
	errResp.Error.StatusCode = resp.StatusCode
	return &errResp.Error
}
