package services

import (
	"context"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/apns"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/repository"
)

// Deliverer pushes a batch and returns the notifications the gateway rejected.
type Deliverer interface {
	Enqueue(ctx context.Context, notifications []*models.Notification) ([]*models.Notification, error)
}

// TokenCache tracks device tokens that must not be pushed to again.
type TokenCache interface {
	FilterSuppressed(ctx context.Context, tokens []string) ([]string, error)
	SuppressToken(ctx context.Context, token, reason string) error
}

var (
	_ Deliverer   = (*apns.Client)(nil)
	_ TokenCache  = (*repository.RedisRepository)(nil)
	_ StatusStore = (*repository.StatusStore)(nil)
)
