package domain

import (
	"context"
	"log/slog"
	"time"

	"github.com/pendergraft/phoneverify/internal/validation"
)

// LoggingMiddleware returns a service middleware that logs all operations.
func LoggingMiddleware(logger *slog.Logger) func(Service) Service {
	return func(next Service) Service {
		return &loggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type loggingMiddleware struct {
	next   Service
	logger *slog.Logger
}

func (m *loggingMiddleware) Start(ctx context.Context, req StartRequest) (Status, error) {
	start := time.Now()
	st, err := m.next.Start(ctx, req)
	m.logger.Info("Start",
		"phone", validation.MaskPhoneNumber(req.PhoneNumber),
		"unrelayed", req.Unrelayed,
		"attempt", st.AttemptID,
		"duration", time.Since(start),
		"error", err,
	)
	return st, err
}

func (m *loggingMiddleware) Cancel(ctx context.Context) error {
	start := time.Now()
	err := m.next.Cancel(ctx)
	m.logger.Info("Cancel",
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) Status(ctx context.Context) (Status, error) {
	start := time.Now()
	st, err := m.next.Status(ctx)
	m.logger.Debug("Status",
		"phase", st.Phase,
		"completed", st.Completed,
		"duration", time.Since(start),
		"error", err,
	)
	return st, err
}

func (m *loggingMiddleware) SubmitCode(ctx context.Context, req CodeRequest) (CodeResult, error) {
	start := time.Now()
	res, err := m.next.SubmitCode(ctx, req)
	m.logger.Info("SubmitCode",
		"channel", req.Channel,
		"explicit_index", req.Index != nil,
		"slot", res.Slot,
		"ignored", res.Ignored,
		"duration", time.Since(start),
		"error", err,
	)
	return res, err
}

func (m *loggingMiddleware) Resend(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := m.next.Resend(ctx)
	m.logger.Info("Resend",
		"revealed", n,
		"duration", time.Since(start),
		"error", err,
	)
	return n, err
}

func (m *loggingMiddleware) Reset(ctx context.Context, req ResetRequest) error {
	start := time.Now()
	err := m.next.Reset(ctx, req)
	m.logger.Info("Reset",
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (m *loggingMiddleware) Subscribe(ctx context.Context) (<-chan Status, error) {
	ch, err := m.next.Subscribe(ctx)
	m.logger.Debug("Subscribe", "error", err)
	return ch, err
}

func (m *loggingMiddleware) History(ctx context.Context, pagination PaginationParams) (*HistoryResult, error) {
	start := time.Now()
	res, err := m.next.History(ctx, pagination)
	count := 0
	if res != nil {
		count = len(res.Attempts)
	}
	m.logger.Debug("History",
		"limit", pagination.Limit,
		"count", count,
		"duration", time.Since(start),
		"error", err,
	)
	return res, err
}
