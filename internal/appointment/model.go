package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
)

// Type is how the visit happens
type Type string

const (
	TypeOPD         Type = "opd"
	TypeTeleconsult Type = "teleconsult"
)

// Status of an appointment
type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Appointment is a booked visit. OPD visits carry a per-day token number.
type Appointment struct {
	ID              types.ID  `json:"id"`
	PatientID       types.ID  `json:"patient_id"`
	DoctorID        *types.ID `json:"doctor_id"`
	Type            Type      `json:"type"`
	Symptoms        string    `json:"symptoms"`
	Notes           string    `json:"notes"`
	Status          Status    `json:"status"`
	AppointmentDate time.Time `json:"appointment_date"`
	TokenNumber     int       `json:"token_number"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewOPD creates a booked OPD visit; the token number is assigned on save.
func NewOPD(patientID types.ID, doctorID *types.ID, symptoms, notes string, date time.Time) *Appointment {
	now := time.Now().UTC()
	return &Appointment{
		ID:              types.NewID(),
		PatientID:       patientID,
		DoctorID:        doctorID,
		Type:            TypeOPD,
		Symptoms:        strings.TrimSpace(symptoms),
		Notes:           strings.TrimSpace(notes),
		Status:          StatusBooked,
		AppointmentDate: date,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// WithDoctor reports whether the appointment is with doctorID
func (a *Appointment) WithDoctor(doctorID types.ID) bool {
	return a.DoctorID != nil && *a.DoctorID == doctorID
}

// Transition moves a booked appointment to a terminal status
func (a *Appointment) Transition(to Status) error {
	if a.Status.Terminal() {
		return errors.Conflict(fmt.Sprintf("Appointment is already %s", a.Status))
	}
	if !to.Terminal() {
		return errors.BadRequest("status must be completed or cancelled")
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// DayBounds returns the start of t's calendar day and of the next day, in t's location
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// OPDDay returns the bounds of t's calendar day in loc and the lock key of
// that day's token counter. Callers in different UTC offsets share a counter.
func OPDDay(t time.Time, loc *time.Location) (start, end time.Time, key string) {
	start, end = DayBounds(t.In(loc))
	return start, end, "opd:" + start.Format("2006-01-02")
}

// ParseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.BadRequest("appointment_date must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}
