package interfaces

import (
	"context"

	"github.com/pixcrawler/pixcrawler/internal/models"
)

// Notifier emits append-only notification rows on job lifecycle events.
// Emission is best-effort: a failed notification never fails the
// transition that triggered it.
type Notifier interface {
	Emit(ctx context.Context, userID string, typ models.NotificationType, payload map[string]interface{})
}
