// Package transport provides HTTP handlers for the verification domain.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pendergraft/phoneverify/internal/faults"
	"github.com/pendergraft/phoneverify/internal/verification/domain"
)

// Service defines the verification service interface for HTTP transport.
type Service interface {
	Start(ctx context.Context, req domain.StartRequest) (domain.Status, error)
	Cancel(ctx context.Context) error
	Status(ctx context.Context) (domain.Status, error)
	SubmitCode(ctx context.Context, req domain.CodeRequest) (domain.CodeResult, error)
	Resend(ctx context.Context) (int, error)
	Reset(ctx context.Context, req domain.ResetRequest) error
	Subscribe(ctx context.Context) (<-chan domain.Status, error)
	History(ctx context.Context, pagination domain.PaginationParams) (*domain.HistoryResult, error)
}

// Handler handles HTTP requests for verification.
type Handler struct {
	svc       Service
	heartbeat time.Duration
}

// NewHandler creates a new verification HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc, heartbeat: heartbeatInterval}
}

// RegisterRoutes registers the verification routes on a chi router. The
// optional middlewares guard code submission only.
func (h *Handler) RegisterRoutes(r chi.Router, codeMiddlewares ...func(http.Handler) http.Handler) {
	r.Post("/", h.handleStart)
	r.Get("/", h.handleStatus)
	r.Delete("/", h.handleCancel)
	r.With(codeMiddlewares...).Post("/codes", h.handleSubmitCode)
	r.Post("/resend", h.handleResend)
	r.Post("/reset", h.handleReset)
	r.Get("/events", h.handleEvents)
	r.Get("/attempts", h.handleHistory)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	st, err := h.svc.Start(r.Context(), req.ToDomain())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cancel(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	res, err := h.svc.SubmitCode(r.Context(), req.ToDomain())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if res.Ignored {
		writeJSON(w, http.StatusOK, CodeResponse{Ignored: true})
		return
	}
	writeJSON(w, http.StatusAccepted, CodeResponse{Slot: res.Slot, Issuer: res.Issuer.Hex()})
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Resend(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResendResponse{Revealed: n})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	if err := h.svc.Reset(r.Context(), domain.ResetRequest{PhoneNumber: req.PhoneNumber}); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams status snapshots as server-sent events until the
// client goes away.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, err := h.svc.Subscribe(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case st, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	result, err := h.svc.History(r.Context(), domain.PaginationParams{
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list attempts")
		return
	}

	data := result.Attempts
	if data == nil {
		data = []domain.AttemptSummary{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Data: data,
		Pagination: Pagination{
			Limit:      limit,
			HasMore:    result.HasMore,
			NextCursor: result.NextCursor,
		},
	})
}

// decodeBody reads a JSON body into v. An empty body is accepted only when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body")
		return false
	}
	if len(body) == 0 && optional {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON")
		return false
	}
	return true
}

// writeDomainError maps controller and fault errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidPhoneNumber), errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	case errors.Is(err, domain.ErrAttemptInProgress):
		writeError(w, http.StatusConflict, "ATTEMPT_IN_PROGRESS", err.Error())
		return
	case errors.Is(err, domain.ErrResetInProgress):
		writeError(w, http.StatusConflict, "RESET_IN_PROGRESS", err.Error())
		return
	case errors.Is(err, domain.ErrNoActiveAttempt):
		writeError(w, http.StatusConflict, "NO_ACTIVE_ATTEMPT", err.Error())
		return
	case errors.Is(err, domain.ErrNotAcceptingCodes):
		writeError(w, http.StatusConflict, "NOT_ACCEPTING_CODES", err.Error())
		return
	case errors.Is(err, domain.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "REQUEST_ABORTED", err.Error())
		return
	}

	code := strings.ToUpper(faults.CodeOf(err))
	switch faults.KindOf(err) {
	case faults.KindProtocol, faults.KindRevert, faults.KindInvalidWallet:
		writeError(w, http.StatusUnprocessableEntity, code, err.Error())
	case faults.KindQuotaExceeded:
		writeError(w, http.StatusTooManyRequests, code, err.Error())
	case faults.KindNetwork:
		writeError(w, http.StatusServiceUnavailable, code, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Verification failed")
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
