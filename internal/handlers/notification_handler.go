package handlers

import (
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/pixcrawler/pixcrawler/internal/services/notify"
)

// NotificationHandler serves the notification feed.
type NotificationHandler struct {
	notifyService *notify.Service
	logger        arbor.ILogger
}

// NewNotificationHandler creates the notification handler.
func NewNotificationHandler(notifyService *notify.Service, logger arbor.ILogger) *NotificationHandler {
	return &NotificationHandler{
		notifyService: notifyService,
		logger:        logger,
	}
}

// ListNotificationsHandler returns the caller's recent notifications,
// newest first.
// GET /api/v1/notifications?limit=
func (h *NotificationHandler) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	list, err := h.notifyService.List(r.Context(), UserIDFrom(r.Context()), limit)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("user_id", UserIDFrom(r.Context())).
			Str("request_id", RequestIDFrom(r.Context())).
			Msg("Failed to list notifications")
		WriteFault(w, r, err)
		return
	}

	WriteCollection(w, list, len(list), 1, len(list))
}
