package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
)

const (
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"

	providerName = "apns"
)

// StatusStore persists the status row of a request.
type StatusStore interface {
	UpdateStatus(ctx context.Context, requestID, status, provider, detail string) error
}

// StatusUpdater reports request progress to the status store. Store errors are
// logged, never returned, so bookkeeping cannot fail a delivery. A nil
// *StatusUpdater records nothing.
type StatusUpdater struct {
	store  StatusStore
	logger *slog.Logger
}

func NewStatusUpdater(store StatusStore, logger *slog.Logger) *StatusUpdater {
	return &StatusUpdater{
		store:  store,
		logger: logger,
	}
}

func (s *StatusUpdater) MarkProcessing(ctx context.Context, requestID string) {
	s.update(ctx, requestID, StatusProcessing, "")
}

func (s *StatusUpdater) MarkFailed(ctx context.Context, requestID, detail string) {
	s.update(ctx, requestID, StatusFailed, detail)
}

// RecordResults stores the outcome of a push. The request counts as delivered
// when at least one token was accepted; rejected tokens are summarised in the
// detail either way.
func (s *StatusUpdater) RecordResults(ctx context.Context, requestID string, results []models.PushResult) {
	failed, detail := summarizeFailures(results)
	switch {
	case len(results) == 0:
		s.update(ctx, requestID, StatusFailed, "no notifications were built")
	case failed == len(results):
		s.update(ctx, requestID, StatusFailed, detail)
	case failed > 0:
		s.update(ctx, requestID, StatusDelivered, fmt.Sprintf("%d of %d tokens rejected: %s", failed, len(results), detail))
	default:
		s.update(ctx, requestID, StatusDelivered, "")
	}
}

func (s *StatusUpdater) update(ctx context.Context, requestID, status, detail string) {
	if s == nil || requestID == "" {
		return
	}
	if err := s.store.UpdateStatus(ctx, requestID, status, providerName, detail); err != nil {
		s.logger.Error("failed to update request status",
			slog.String("request_id", requestID),
			slog.String("status", status),
			slog.Any("error", err),
		)
	}
}

// summarizeFailures counts rejected results and joins their distinct gateway
// reasons in first-seen order, each with its count.
func summarizeFailures(results []models.PushResult) (int, string) {
	counts := make(map[string]int)
	var order []string
	failed := 0
	for _, r := range results {
		if r.Status != models.ResultFailed {
			continue
		}
		failed++
		reason := r.Reason
		if reason == "" {
			reason = "unknown"
		}
		if counts[reason] == 0 {
			order = append(order, reason)
		}
		counts[reason]++
	}

	parts := make([]string, 0, len(order))
	for _, reason := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", reason, counts[reason]))
	}
	return failed, strings.Join(parts, ", ")
}
