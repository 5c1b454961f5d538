package ai

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"go.uber.org/zap"
)

// Handler provides HTTP handlers for the AI module
type Handler struct {
	service *Service
	log     *zap.Logger
}

// NewHandler creates a new AI handler
func NewHandler(service *Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log.Named("ai")}
}

// Routes registers the AI routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/explainer", h.Explainer)
	r.Post("/safety-check", h.SafetyCheck)
	r.Get("/health", h.HealthCheck)

	return r
}

// Explainer returns a storyboard for a medicine
func (h *Handler) Explainer(w http.ResponseWriter, r *http.Request) {
	var req ExplainerRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	req.MedicineName = strings.TrimSpace(req.MedicineName)
	if req.MedicineName == "" {
		httpx.Error(w, errors.BadRequest("medicine_name is required"))
		return
	}

	storyboard, err := h.service.Explainer(r.Context(), req)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	if caller := auth.GetUser(r.Context()); caller != nil {
		h.log.Debug("explainer generated",
			zap.String("user_id", caller.ID.String()),
			zap.String("patient_id", req.PatientID),
			zap.Int("scenes", len(storyboard.Scenes)),
		)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"storyboard": storyboard})
}

// SafetyCheck checks a new medicine against a patient's history
func (h *Handler) SafetyCheck(w http.ResponseWriter, r *http.Request) {
	var req SafetyCheckRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	req.NewMed = strings.TrimSpace(req.NewMed)
	if req.NewMed == "" {
		httpx.Error(w, errors.BadRequest("newMed is required"))
		return
	}

	var history any = req.PatientHistory
	if len(req.PatientHistory) == 0 {
		history = map[string]any{}
	}

	analysis, err := h.service.SafetyCheck(r.Context(), req.NewMed, history)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"analysis": analysis})
}

// HealthCheck reports whether AI is configured
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		httpx.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  "AI service not configured",
		})
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"model":  h.service.model.Name(),
	})
}
