package notify

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/common"
	"github.com/pixcrawler/pixcrawler/internal/interfaces"
	"github.com/pixcrawler/pixcrawler/internal/models"
)

// Service persists lifecycle notifications. Emission is best-effort by
// contract: failures are logged, never propagated.
type Service struct {
	storage interfaces.StorageManager
	logger  arbor.ILogger
}

// NewService creates the notification service.
func NewService(storage interfaces.StorageManager, logger arbor.ILogger) *Service {
	return &Service{storage: storage, logger: logger}
}

// Emit stores one notification row.
func (s *Service) Emit(ctx context.Context, userID string, typ models.NotificationType, payload map[string]interface{}) {
	notification := &models.Notification{
		ID:        common.NewNotificationID(),
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := s.storage.NotificationStorage().CreateNotification(ctx, notification); err != nil {
		s.logger.Warn().
			Err(err).
			Str("user_id", userID).
			Str("type", string(typ)).
			Msg("Failed to persist notification")
		return
	}
	s.logger.Debug().
		Str("user_id", userID).
		Str("type", string(typ)).
		Msg("Notification emitted")
}

// List returns the user's most recent notifications.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.storage.NotificationStorage().ListNotifications(ctx, userID, limit)
}
