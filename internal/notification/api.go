package notification

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/httpx"
)

// Handler serves the caller's in-app notifications
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes registers the notification routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/{notificationID}/read", h.MarkRead)

	return r
}

// List returns the caller's inbox, newest first
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{
		"notifications": h.service.Inbox(caller.ID),
	})
}

// MarkRead marks one notification as read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())
	id := chi.URLParam(r, "notificationID")

	if err := h.service.MarkAsRead(caller.ID, id); err != nil {
		httpx.Error(w, errors.NotFoundMessage("Notification not found"))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}
