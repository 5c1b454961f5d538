package careteam

import (
	"context"

	"github.com/healthnexus/platform/internal/appointment"
	"github.com/healthnexus/platform/internal/document"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/user"
)

// Store is the link persistence; *Repository implements it.
type Store interface {
	Create(ctx context.Context, l *Link) error
	Update(ctx context.Context, l *Link) error
	FindPair(ctx context.Context, doctorID, patientID types.ID) (*Link, error)
	IsActiveLink(ctx context.Context, doctorID, patientID types.ID) (bool, error)
	ActiveDoctorIDs(ctx context.Context, patientID types.ID) ([]types.ID, error)
	ActivePatientIDs(ctx context.Context, doctorID types.ID) ([]types.ID, error)
}

var _ Store = (*Repository)(nil)

// Users looks up accounts; *user.Repository implements it.
type Users interface {
	FindByID(ctx context.Context, id types.ID) (*user.User, error)
	FindByIDs(ctx context.Context, ids []types.ID) ([]*user.User, error)
	FindByQRID(ctx context.Context, qrID string) (*user.User, error)
}

// Documents returns a patient's documents filtered for a doctor
type Documents interface {
	ForDoctor(ctx context.Context, patientID, doctorID types.ID) ([]*document.Document, error)
}

// Appointments lists a patient's appointments
type Appointments interface {
	ListByPatient(ctx context.Context, patientID types.ID) ([]*appointment.Appointment, error)
}

// Notifier delivers user notifications
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) error
}

// PatientRecord is what a linked doctor sees about a patient
type PatientRecord struct {
	Patient      *user.User                 `json:"patient"`
	Documents    []*document.Document       `json:"documents"`
	Appointments []*appointment.Appointment `json:"appointments"`
}

// Service answers care team questions for the connect and doctor APIs
type Service struct {
	links Store
	users Users
	docs  Documents
	appts Appointments
}

// NewService creates the care team service
func NewService(links Store, users Users, docs Documents, appts Appointments) *Service {
	return &Service{links: links, users: users, docs: docs, appts: appts}
}

// RequireLink fails with 403 unless the doctor is actively linked to the patient
func (s *Service) RequireLink(ctx context.Context, doctorID, patientID types.ID) error {
	ok, err := s.links.IsActiveLink(ctx, doctorID, patientID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("Not connected to this patient")
	}
	return nil
}

// Patients returns summaries of the doctor's active patients
func (s *Service) Patients(ctx context.Context, doctorID types.ID) ([]user.Summary, error) {
	ids, err := s.links.ActivePatientIDs(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	users, err := s.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]user.Summary, 0, len(users))
	for _, u := range users {
		out = append(out, u.Summary())
	}
	return out, nil
}

// PatientUsers returns the full accounts of the doctor's active patients
func (s *Service) PatientUsers(ctx context.Context, doctorID types.ID) ([]*user.User, error) {
	ids, err := s.links.ActivePatientIDs(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, ids)
}

// CountPatients counts the doctor's active patients
func (s *Service) CountPatients(ctx context.Context, doctorID types.ID) (int, error) {
	ids, err := s.links.ActivePatientIDs(ctx, doctorID)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Doctors returns public cards of the patient's active doctors
func (s *Service) Doctors(ctx context.Context, patientID types.ID) ([]user.PublicCard, error) {
	ids, err := s.links.ActiveDoctorIDs(ctx, patientID)
	if err != nil {
		return nil, err
	}
	users, err := s.lookup(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]user.PublicCard, 0, len(users))
	for _, u := range users {
		out = append(out, u.PublicCard())
	}
	return out, nil
}

// PatientRecord returns the patient with documents visible to the doctor and appointments
func (s *Service) PatientRecord(ctx context.Context, doctorID, patientID types.ID) (*PatientRecord, error) {
	if err := s.RequireLink(ctx, doctorID, patientID); err != nil {
		return nil, err
	}

	patient, err := s.users.FindByID(ctx, patientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundMessage("Patient not found")
		}
		return nil, err
	}

	docs, err := s.docs.ForDoctor(ctx, patientID, doctorID)
	if err != nil {
		return nil, err
	}
	appts, err := s.appts.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	return &PatientRecord{Patient: patient, Documents: docs, Appointments: appts}, nil
}

// lookup loads users keeping the order of ids and skipping deleted accounts
func (s *Service) lookup(ctx context.Context, ids []types.ID) ([]*user.User, error) {
	if len(ids) == 0 {
		return []*user.User{}, nil
	}
	found, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[types.ID]*user.User, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}
	out := make([]*user.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}
