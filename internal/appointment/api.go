package appointment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"go.uber.org/zap"
)

// Store is the appointment persistence; *Repository implements it.
type Store interface {
	BookOPD(ctx context.Context, a *Appointment) error
	UpdateStatus(ctx context.Context, a *Appointment) error
	FindByID(ctx context.Context, id types.ID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID types.ID) ([]*Appointment, error)
	ListByDoctor(ctx context.Context, doctorID types.ID) ([]*Appointment, error)
	CountForDoctorBetween(ctx context.Context, doctorID types.ID, from, to time.Time) (int, error)
}

var _ Store = (*Repository)(nil)

// DoctorLinks answers whether a doctor is actively linked to a patient
type DoctorLinks interface {
	IsActiveLink(ctx context.Context, doctorID, patientID types.ID) (bool, error)
}

// Notifier delivers user notifications
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) error
}

// Handler provides HTTP handlers for the appointment module
type Handler struct {
	store    Store
	links    DoctorLinks
	notifier Notifier
	bus      events.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates a new appointment handler
func NewHandler(store Store, links DoctorLinks, notifier Notifier, bus events.Publisher, log *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		links:    links,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("appointment"),
		now:      time.Now,
	}
}

// Routes registers the appointment routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(auth.RequireRoles(auth.RolePatient)).Post("/book/opd", h.BookOPD)
	r.Get("/my", h.ListMine)
	r.Get("/my-list", h.ListMine)
	r.Patch("/{appointmentID}/status", h.UpdateStatus)

	return r
}

// BookOPDRequest books an OPD visit
type BookOPDRequest struct {
	Symptoms        string `json:"symptoms"`
	Notes           string `json:"notes"`
	DoctorID        string `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
}

// BookOPD books an OPD visit and assigns the day's next token number
func (h *Handler) BookOPD(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req BookOPDRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	date := h.now()
	if strings.TrimSpace(req.AppointmentDate) != "" {
		parsed, err := ParseDate(req.AppointmentDate, date.Location())
		if err != nil {
			httpx.Error(w, err)
			return
		}
		date = parsed.In(date.Location())
	}

	var doctorID *types.ID
	if strings.TrimSpace(req.DoctorID) != "" {
		id, err := types.ParseID(req.DoctorID)
		if err != nil {
			httpx.Error(w, errors.BadRequest("invalid doctor_id"))
			return
		}
		ok, err := h.links.IsActiveLink(r.Context(), id, caller.ID)
		if err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		if !ok {
			httpx.Error(w, errors.Forbidden("Not connected to this doctor"))
			return
		}
		doctorID = &id
	}

	appt := NewOPD(caller.ID, doctorID, req.Symptoms, req.Notes, date)
	if err := h.store.BookOPD(r.Context(), appt); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordAppointmentBooked(string(appt.Type))
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("appointment.booked", "appointment", map[string]any{
		"appointment_id": appt.ID,
		"patient_id":     appt.PatientID,
		"doctor_id":      appt.DoctorID,
		"token_number":   appt.TokenNumber,
	}).WithActor(caller.ID, caller.Role))

	if doctorID != nil {
		h.notify(r.Context(), notification.Message{
			RecipientID: *doctorID,
			Subject:     "New OPD booking",
			Body:        fmt.Sprintf("Token #%d booked for %s", appt.TokenNumber, appt.AppointmentDate.Format("2 Jan 2006")),
			Priority:    notification.PriorityNormal,
			Data:        map[string]any{"appointment_id": appt.ID.String()},
		})
	}

	h.log.Info("opd booked",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", caller.ID.String()),
		zap.Int("token_number", appt.TokenNumber),
	)

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"message":     "OPD token generated",
		"appointment": appt,
	})
}

// ListMine returns the caller's appointments: a patient's own, or those booked with a doctor
func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var (
		appts []*Appointment
		err   error
	)
	if caller.IsDoctor() {
		appts, err = h.store.ListByDoctor(r.Context(), caller.ID)
	} else {
		appts, err = h.store.ListByPatient(r.Context(), caller.ID)
	}
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, appts)
}

// UpdateStatusRequest changes an appointment's status
type UpdateStatusRequest struct {
	Status Status `json:"status"`
}

// UpdateStatus completes or cancels an appointment
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	id, err := types.ParseID(chi.URLParam(r, "appointmentID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid appointment id"))
		return
	}

	var req UpdateStatusRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	appt, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	var recipient *types.ID
	switch {
	case caller.IsDoctor() && appt.WithDoctor(caller.ID):
		recipient = &appt.PatientID
	case !caller.IsDoctor() && appt.PatientID == caller.ID:
		if req.Status != StatusCancelled {
			httpx.Error(w, errors.Forbidden("Patients can only cancel appointments"))
			return
		}
		recipient = appt.DoctorID
	default:
		httpx.Error(w, errors.NotFoundMessage("Appointment not found"))
		return
	}

	previous := appt.Status
	if err := appt.Transition(req.Status); err != nil {
		httpx.Error(w, err)
		return
	}
	if err := h.store.UpdateStatus(r.Context(), appt); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("appointment.status_changed", "appointment", map[string]any{
		"appointment_id": appt.ID,
		"from":           previous,
		"to":             appt.Status,
	}).WithActor(caller.ID, caller.Role))

	if recipient != nil {
		h.notify(r.Context(), notification.Message{
			RecipientID: *recipient,
			Subject:     "Appointment " + string(appt.Status),
			Body:        fmt.Sprintf("OPD token #%d on %s is now %s", appt.TokenNumber, appt.AppointmentDate.Format("2 Jan 2006"), appt.Status),
			Data:        map[string]any{"appointment_id": appt.ID.String()},
		})
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message":     "Appointment updated",
		"appointment": appt,
	})
}

func (h *Handler) notify(ctx context.Context, msg notification.Message) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, msg); err != nil {
		h.log.Warn("failed to queue notification", zap.String("recipient_id", msg.RecipientID.String()), zap.Error(err))
	}
}
