package careteam

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/appointment"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/user"
	"go.uber.org/zap"
)

// Handler serves /connect
type Handler struct {
	service  *Service
	notifier Notifier
	bus      events.Publisher
	log      *zap.Logger
}

// NewHandler creates a new care team handler
func NewHandler(service *Service, notifier Notifier, bus events.Publisher, log *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("careteam"),
	}
}

// Routes registers the connect routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RolePatient))
		r.Get("/doctor/qr/{qrID}", h.DoctorByQR)
		r.Post("/doctor/link", h.LinkDoctor)
		r.Get("/patient/doctors", h.PatientDoctors)
		r.Delete("/patient/doctors/{doctorID}", h.UnlinkDoctor)
		r.Get("/patient/appointments", h.PatientAppointments)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireRoles(auth.RoleDoctor))
		r.Get("/doctor/patients", h.DoctorPatients)
		r.Get("/doctor/patient/{patientID}", h.PatientDetails)
	})

	return r
}

// DoctorCard is a doctor's public card with the caller's connection state
type DoctorCard struct {
	user.PublicCard
	IsConnected bool `json:"is_connected"`
}

// DoctorByQR looks up a doctor by QR id
func (h *Handler) DoctorByQR(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	doctor, err := h.findDoctor(r.Context(), chi.URLParam(r, "qrID"))
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	connected, err := h.service.links.IsActiveLink(r.Context(), doctor.ID, caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, DoctorCard{PublicCard: doctor.PublicCard(), IsConnected: connected})
}

// LinkRequest connects the caller to a doctor
type LinkRequest struct {
	DoctorQRID string `json:"doctor_qr_id"`
}

// LinkDoctor creates or reactivates the caller's link to a doctor
func (h *Handler) LinkDoctor(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req LinkRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if strings.TrimSpace(req.DoctorQRID) == "" {
		httpx.Error(w, errors.BadRequest("doctor_qr_id is required"))
		return
	}

	doctor, err := h.findDoctor(r.Context(), req.DoctorQRID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	link, err := h.service.links.FindPair(r.Context(), doctor.ID, caller.ID)
	switch {
	case err == nil && link.IsActive():
		httpx.Error(w, errors.Conflict("Already connected to this doctor").WithDetail("is_connected", true))
		return
	case err == nil:
		link.Activate()
		err = h.service.links.Update(r.Context(), link)
	case errors.IsNotFound(err):
		link = NewLink(doctor.ID, caller.ID)
		err = h.service.links.Create(r.Context(), link)
	}
	if err != nil {
		if errors.IsConflict(err) {
			httpx.Error(w, errors.Conflict("Already connected to this doctor").WithDetail("is_connected", true))
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordLinkChange("doctor", string(link.Status))
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("careteam.linked", "careteam", map[string]any{
		"link_id":    link.ID,
		"doctor_id":  link.DoctorID,
		"patient_id": link.PatientID,
	}).WithActor(caller.ID, caller.Role))
	h.notify(r.Context(), notification.Message{
		RecipientID: doctor.ID,
		Subject:     "New patient connected",
		Body:        "A patient connected to you using your QR code",
		Data:        map[string]any{"patient_id": caller.ID.String()},
	})

	h.log.Info("patient linked to doctor",
		zap.String("doctor_id", doctor.ID.String()),
		zap.String("patient_id", caller.ID.String()),
	)

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message": "Successfully connected to doctor",
		"link":    link,
		"doctor": map[string]any{
			"id":             doctor.ID,
			"name":           doctor.Name,
			"specialization": doctor.Specialization,
		},
	})
}

// UnlinkDoctor deactivates the caller's link to a doctor
func (h *Handler) UnlinkDoctor(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	doctorID, err := types.ParseID(chi.URLParam(r, "doctorID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid doctor id"))
		return
	}

	link, err := h.service.links.FindPair(r.Context(), doctorID, caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	if !link.IsActive() {
		httpx.Error(w, errors.NotFoundMessage("Connection not found"))
		return
	}

	link.Deactivate()
	if err := h.service.links.Update(r.Context(), link); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordLinkChange("doctor", string(link.Status))
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("careteam.unlinked", "careteam", map[string]any{
		"link_id":    link.ID,
		"doctor_id":  link.DoctorID,
		"patient_id": link.PatientID,
	}).WithActor(caller.ID, caller.Role))

	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Disconnected from doctor"})
}

// PatientDoctors lists the caller's doctors
func (h *Handler) PatientDoctors(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	doctors, err := h.service.Doctors(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doctors)
}

// DoctorRef names the doctor of an appointment
type DoctorRef struct {
	ID             types.ID `json:"id"`
	Name           string   `json:"name"`
	Specialization string   `json:"specialization"`
}

// AppointmentView is an appointment with its doctor
type AppointmentView struct {
	*appointment.Appointment
	Doctor *DoctorRef `json:"doctor,omitempty"`
}

// PatientAppointments lists the caller's appointments with doctor names
func (h *Handler) PatientAppointments(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	appts, err := h.service.appts.ListByPatient(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	var doctorIDs []types.ID
	seen := make(map[types.ID]bool)
	for _, a := range appts {
		if a.DoctorID != nil && !seen[*a.DoctorID] {
			seen[*a.DoctorID] = true
			doctorIDs = append(doctorIDs, *a.DoctorID)
		}
	}
	doctors, err := h.service.lookup(r.Context(), doctorIDs)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	byID := make(map[types.ID]*user.User, len(doctors))
	for _, d := range doctors {
		byID[d.ID] = d
	}

	out := make([]AppointmentView, 0, len(appts))
	for _, a := range appts {
		view := AppointmentView{Appointment: a}
		if a.DoctorID != nil {
			if d, ok := byID[*a.DoctorID]; ok {
				view.Doctor = &DoctorRef{ID: d.ID, Name: d.Name, Specialization: d.Specialization}
			}
		}
		out = append(out, view)
	}
	httpx.JSON(w, http.StatusOK, out)
}

// DoctorPatients lists the caller's patients
func (h *Handler) DoctorPatients(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patients, err := h.service.Patients(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patients)
}

// PatientDetails returns a linked patient's record
func (h *Handler) PatientDetails(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid patient id"))
		return
	}

	record, err := h.service.PatientRecord(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

func (h *Handler) findDoctor(ctx context.Context, qrID string) (*user.User, error) {
	doctor, err := h.service.users.FindByQRID(ctx, user.NormalizeQRID(qrID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundMessage("Doctor not found")
		}
		return nil, err
	}
	if !doctor.IsDoctor() {
		return nil, errors.NotFoundMessage("Doctor not found")
	}
	return doctor, nil
}

func (h *Handler) notify(ctx context.Context, msg notification.Message) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, msg); err != nil {
		h.log.Warn("failed to queue notification", zap.String("recipient_id", msg.RecipientID.String()), zap.Error(err))
	}
}
