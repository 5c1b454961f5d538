package careteam

import (
	"time"

	"github.com/healthnexus/platform/internal/shared/types"
)

// LinkStatus is the state of a doctor-patient link
type LinkStatus string

const (
	LinkStatusPending  LinkStatus = "pending"
	LinkStatusActive   LinkStatus = "active"
	LinkStatusInactive LinkStatus = "inactive"
)

// Link connects a patient to a doctor. At most one link exists per pair;
// unlinking deactivates it and linking again reactivates it.
type Link struct {
	ID        types.ID   `json:"id"`
	DoctorID  types.ID   `json:"doctor_id"`
	PatientID types.ID   `json:"patient_id"`
	Status    LinkStatus `json:"status"`
	LinkedAt  time.Time  `json:"linked_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewLink creates an active link
func NewLink(doctorID, patientID types.ID) *Link {
	now := time.Now().UTC()
	return &Link{
		ID:        types.NewID(),
		DoctorID:  doctorID,
		PatientID: patientID,
		Status:    LinkStatusActive,
		LinkedAt:  now,
		UpdatedAt: now,
	}
}

func (l *Link) IsActive() bool {
	return l.Status == LinkStatusActive
}

// Activate reactivates a pending or inactive link
func (l *Link) Activate() {
	now := time.Now().UTC()
	l.Status = LinkStatusActive
	l.LinkedAt = now
	l.UpdatedAt = now
}

func (l *Link) Deactivate() {
	l.Status = LinkStatusInactive
	l.UpdatedAt = time.Now().UTC()
}
