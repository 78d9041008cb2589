package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/pixcrawler/pixcrawler/internal/faults"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// NotificationStorage implements the append-only notification store.
type NotificationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewNotificationStorage creates a new NotificationStorage instance
func NewNotificationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.NotificationStorage {
	return &NotificationStorage{
		db:     db,
		logger: logger,
	}
}

func (s *NotificationStorage) CreateNotification(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		return faults.New(faults.KindValidation, "notification ID is required")
	}
	if err := s.db.Store().Insert(n.ID, n); err != nil {
		return storeFault(err, "failed to create notification %s", n.ID)
	}
	return nil
}

func (s *NotificationStorage) ListNotifications(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	query := badgerhold.Where("UserID").Eq(userID).SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var notifications []models.Notification
	if err := s.db.Store().Find(&notifications, query); err != nil {
		return nil, storeFault(err, "failed to list notifications for user")
	}

	result := make([]*models.Notification, len(notifications))
	for i := range notifications {
		result[i] = &notifications[i]
	}
	return result, nil
}
