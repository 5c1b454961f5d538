package document

import (
	"context"

	"github.com/healthnexus/platform/internal/ai"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/storage"
	"go.uber.org/zap"
)

// Store is the document persistence; *Repository implements it.
type Store interface {
	Create(ctx context.Context, d *Document) error
	Update(ctx context.Context, d *Document) error
	Delete(ctx context.Context, id types.ID) error
	FindByID(ctx context.Context, id types.ID) (*Document, error)
	ListByPatient(ctx context.Context, patientID types.ID) ([]*Document, error)
	ListAuthoredBy(ctx context.Context, doctorID types.ID, limit int) ([]*Document, error)
	StorageKeysByPatient(ctx context.Context, patientID types.ID) ([]string, error)
}

var _ Store = (*Repository)(nil)

// DoctorLinks answers whether a doctor is actively linked to a patient
type DoctorLinks interface {
	IsActiveLink(ctx context.Context, doctorID, patientID types.ID) (bool, error)
}

// FamilyLinks answers whether two users share an active family link, in either direction
type FamilyLinks interface {
	IsActiveBetween(ctx context.Context, a, b types.ID) (bool, error)
}

// Analyzer summarizes report files
type Analyzer interface {
	Enabled() bool
	AnalyzeReport(ctx context.Context, data []byte, mimeType string) (*ai.ReportAnalysis, error)
}

// Notifier delivers user notifications
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) error
}

// Relation is how a caller relates to a patient's records
type Relation int

const (
	RelationNone Relation = iota
	RelationSelf
	RelationFamily
	RelationDoctor
)

// Service implements the document rules shared by the HTTP handlers and the
// clinical, care team and family modules.
type Service struct {
	store    Store
	blobs    storage.Store
	doctors  DoctorLinks
	family   FamilyLinks
	analyzer Analyzer
	notifier Notifier
	bus      events.Publisher
	log      *zap.Logger
}

// NewService creates the document service
func NewService(store Store, blobs storage.Store, doctors DoctorLinks, family FamilyLinks, analyzer Analyzer, notifier Notifier, bus events.Publisher, log *zap.Logger) *Service {
	return &Service{
		store:    store,
		blobs:    blobs,
		doctors:  doctors,
		family:   family,
		analyzer: analyzer,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("document"),
	}
}

// RelationTo resolves how caller may access patientID's records
func (s *Service) RelationTo(ctx context.Context, caller *auth.User, patientID types.ID) (Relation, error) {
	if caller.IsDoctor() {
		ok, err := s.doctors.IsActiveLink(ctx, caller.ID, patientID)
		if err != nil {
			return RelationNone, err
		}
		if ok {
			return RelationDoctor, nil
		}
		return RelationNone, nil
	}

	if caller.ID == patientID {
		return RelationSelf, nil
	}

	ok, err := s.family.IsActiveBetween(ctx, caller.ID, patientID)
	if err != nil {
		return RelationNone, err
	}
	if ok {
		return RelationFamily, nil
	}
	return RelationNone, nil
}

// ForDoctor returns the patient's documents the doctor may see, newest first
func (s *Service) ForDoctor(ctx context.Context, patientID, doctorID types.ID) ([]*Document, error) {
	docs, err := s.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return filter(docs, func(d *Document) bool { return VisibleToDoctor(d, doctorID) }), nil
}

// ForPatient returns the documents the patient and their family see, newest first
func (s *Service) ForPatient(ctx context.Context, patientID types.ID) ([]*Document, error) {
	docs, err := s.store.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return filter(docs, VisibleToPatient), nil
}

// RecentByDoctor returns the newest documents the doctor authored
func (s *Service) RecentByDoctor(ctx context.Context, doctorID types.ID, limit int) ([]*Document, error) {
	return s.store.ListAuthoredBy(ctx, doctorID, limit)
}

// Create stores the blob, when present, then the record. The blob is removed
// again if the record cannot be written.
func (s *Service) Create(ctx context.Context, d *Document, data []byte) error {
	if d.HasFile() {
		if err := s.blobs.Put(ctx, d.StorageKey, data, d.MimeType); err != nil {
			return errors.Wrap(err, "failed to store file")
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		if d.HasFile() {
			if delErr := s.blobs.Delete(ctx, d.StorageKey); delErr != nil {
				s.log.Warn("failed to remove orphaned file", zap.String("key", d.StorageKey), zap.Error(delErr))
			}
		}
		return err
	}
	return nil
}

// Analyze runs AI analysis on the document's file and stores the result
func (s *Service) Analyze(ctx context.Context, d *Document) (*ai.ReportAnalysis, error) {
	if s.analyzer == nil || !s.analyzer.Enabled() {
		return nil, errors.Unavailable("AI service not configured")
	}
	if !d.HasFile() {
		return nil, errors.BadRequest("Document has no file to analyze")
	}

	data, err := s.blobs.Get(ctx, d.StorageKey)
	if err != nil {
		return nil, err
	}

	analysis, err := s.analyzer.AnalyzeReport(ctx, data, d.MimeType)
	if err != nil {
		return nil, err
	}

	d.SetAnalysis(analysis)
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return analysis, nil
}

// Remove deletes the record and its blob
func (s *Service) Remove(ctx context.Context, d *Document) error {
	if err := s.store.Delete(ctx, d.ID); err != nil {
		return err
	}
	if d.HasFile() {
		if err := s.blobs.Delete(ctx, d.StorageKey); err != nil && !errors.IsNotFound(err) {
			s.log.Warn("failed to delete file", zap.String("key", d.StorageKey), zap.Error(err))
		}
	}
	return nil
}

// PurgePatientFiles deletes every stored blob of a patient before account deletion
func (s *Service) PurgePatientFiles(ctx context.Context, patientID types.ID) error {
	keys, err := s.store.StorageKeysByPatient(ctx, patientID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil && !errors.IsNotFound(err) {
			return errors.Wrap(err, "failed to delete file")
		}
	}
	return nil
}

// Readable returns the document when caller may see it
func (s *Service) Readable(ctx context.Context, caller *auth.User, id types.ID) (*Document, Relation, error) {
	doc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, RelationNone, err
	}

	rel, err := s.RelationTo(ctx, caller, doc.PatientID)
	if err != nil {
		return nil, RelationNone, err
	}

	switch rel {
	case RelationDoctor:
		if VisibleToDoctor(doc, caller.ID) {
			return doc, rel, nil
		}
	case RelationSelf, RelationFamily:
		if VisibleToPatient(doc) {
			return doc, rel, nil
		}
	default:
		return nil, rel, errors.Forbidden("Access denied")
	}
	return nil, rel, errors.NotFoundMessage("Document not found")
}

func (s *Service) checkDoctorsLinked(ctx context.Context, doctorIDs []types.ID, patientID types.ID) error {
	for _, id := range doctorIDs {
		ok, err := s.doctors.IsActiveLink(ctx, id, patientID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.BadRequest("Doctor is not connected to this patient").WithDetail("doctor_id", id.String())
		}
	}
	return nil
}

// notify sends best-effort; failures are logged.
func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, msg); err != nil {
		s.log.Warn("failed to queue notification", zap.String("recipient_id", msg.RecipientID.String()), zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, eventType string, caller *auth.User, d *Document, extra map[string]any) {
	data := map[string]any{
		"document_id": d.ID,
		"patient_id":  d.PatientID,
		"type":        d.Type,
	}
	for k, v := range extra {
		data[k] = v
	}
	events.Emit(ctx, s.bus, s.log, events.NewEvent(eventType, "document", data).WithActor(caller.ID, caller.Role))
}

func filter(docs []*Document, keep func(*Document) bool) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
