package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultStatusTable = "notification_statuses"

// NotificationStatus mirrors the request status row the API gateway reads.
type NotificationStatus struct {
	RequestID string `gorm:"primaryKey"`
	Status    string
	UpdatedAt time.Time
	Provider  string
	Detail    string
}

// StatusStore upserts one status row per request id.
type StatusStore struct {
	db        *gorm.DB
	tableName string
}

func NewStatusStore(db *gorm.DB, tableName string) (*StatusStore, error) {
	if tableName == "" {
		tableName = defaultStatusTable
	}
	if err := db.Table(tableName).AutoMigrate(&NotificationStatus{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", tableName, err)
	}
	return &StatusStore{
		db:        db,
		tableName: tableName,
	}, nil
}

// UpdateStatus overwrites the row for requestID, creating it if needed.
func (s *StatusStore) UpdateStatus(ctx context.Context, requestID, status, provider, detail string) error {
	ns := NotificationStatus{
		RequestID: requestID,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Provider:  provider,
		Detail:    detail,
	}
	return s.db.WithContext(ctx).Table(s.tableName).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at", "provider", "detail"}),
		}).Create(&ns).Error
}

// Ping checks the underlying database connection.
func (s *StatusStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
