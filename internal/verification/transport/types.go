// Package transport provides HTTP request/response types for the verification domain.
package transport

import (
	"time"

	"github.com/pendergraft/phoneverify/internal/verification/domain"
)

// StartRequest is the HTTP request body for starting an attempt.
type StartRequest struct {
	PhoneNumber   string `json:"phoneNumber"`
	HumanityProof string `json:"humanityProof,omitempty"`
	Unrelayed     bool   `json:"unrelayed,omitempty"`
}

// ToDomain converts StartRequest to domain.StartRequest.
func (r StartRequest) ToDomain() domain.StartRequest {
	return domain.StartRequest{
		PhoneNumber:   r.PhoneNumber,
		HumanityProof: r.HumanityProof,
		Unrelayed:     r.Unrelayed,
	}
}

// CodeRequest is the HTTP request body for submitting a received message.
type CodeRequest struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
	Index   *int   `json:"index,omitempty"`
}

// ToDomain converts CodeRequest to domain.CodeRequest.
func (r CodeRequest) ToDomain() domain.CodeRequest {
	return domain.CodeRequest{
		Message: r.Message,
		Channel: r.Channel,
		Index:   r.Index,
	}
}

// ResetRequest is the optional HTTP request body for a reset.
type ResetRequest struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// CodeResponse reports which slot took a code.
type CodeResponse struct {
	Slot    int    `json:"slot"`
	Issuer  string `json:"issuer,omitempty"`
	Ignored bool   `json:"ignored,omitempty"`
}

// ResendResponse reports how many issuers were asked again.
type ResendResponse struct {
	Revealed int `json:"revealed"`
}

// HistoryResponse is a page of past attempts.
type HistoryResponse struct {
	Data       []domain.AttemptSummary `json:"data"`
	Pagination Pagination              `json:"pagination"`
}

// Pagination describes the next page of a list.
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// heartbeatInterval spaces comment lines on an idle event stream.
const heartbeatInterval = 15 * time.Second
