package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/adapters/hospital"
	"github.com/healthnexus/platform/internal/ai"
	"github.com/healthnexus/platform/internal/careteam"
	"github.com/healthnexus/platform/internal/document"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/storage"
	"github.com/healthnexus/platform/internal/user"
	"go.uber.org/zap"
)

const (
	recentActivityLimit = 10
	defaultLabWindow    = 90 * 24 * time.Hour
	xlsxContentType     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// CareTeam answers link questions; *careteam.Service implements it.
type CareTeam interface {
	RequireLink(ctx context.Context, doctorID, patientID types.ID) error
	Patients(ctx context.Context, doctorID types.ID) ([]user.Summary, error)
	PatientUsers(ctx context.Context, doctorID types.ID) ([]*user.User, error)
	CountPatients(ctx context.Context, doctorID types.ID) (int, error)
	PatientRecord(ctx context.Context, doctorID, patientID types.ID) (*careteam.PatientRecord, error)
}

// Users loads and saves accounts
type Users interface {
	FindByID(ctx context.Context, id types.ID) (*user.User, error)
	Update(ctx context.Context, u *user.User) error
}

// Documents stores doctor-authored documents; *document.Service implements it.
type Documents interface {
	Create(ctx context.Context, d *document.Document, data []byte) error
	RecentByDoctor(ctx context.Context, doctorID types.ID, limit int) ([]*document.Document, error)
}

// Appointments counts a doctor's appointments
type Appointments interface {
	CountForDoctorBetween(ctx context.Context, doctorID types.ID, from, to time.Time) (int, error)
}

// SafetyChecker checks a medicine against a patient's history; *ai.Service implements it.
type SafetyChecker interface {
	Enabled() bool
	SafetyCheck(ctx context.Context, newMed string, patientHistory any) (*ai.SafetyAnalysis, error)
}

// Notifier delivers user notifications
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) error
}

// Handler serves /doctor
type Handler struct {
	care     CareTeam
	users    Users
	docs     Documents
	appts    Appointments
	safety   SafetyChecker
	labs     hospital.LabSource
	notifier Notifier
	bus      events.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler creates the clinical handler. labs may be nil when no hospital
// system is configured.
func NewHandler(care CareTeam, users Users, docs Documents, appts Appointments, safety SafetyChecker, labs hospital.LabSource, notifier Notifier, bus events.Publisher, log *zap.Logger) *Handler {
	return &Handler{
		care:     care,
		users:    users,
		docs:     docs,
		appts:    appts,
		safety:   safety,
		labs:     labs,
		notifier: notifier,
		bus:      bus,
		log:      log.Named("clinical"),
		now:      time.Now,
	}
}

// Routes registers the doctor routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireRoles(auth.RoleDoctor))

	r.Get("/dashboard", h.Dashboard)
	r.Get("/patients", h.ListPatients)
	r.Get("/patients/export", h.ExportPatients)
	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Get("/history", h.PatientHistory)
		r.Put("/profile", h.UpdatePatientProfile)
		r.Post("/labs/import", h.ImportLabResults)
	})
	r.Post("/prescribe", h.Prescribe)
	r.Post("/diagnosis", h.RecordDiagnosis)

	return r
}

// Dashboard summarizes the doctor's practice
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patients, err := h.care.CountPatients(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	y, m, d := h.now().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, h.now().Location())
	today, err := h.appts.CountForDoctorBetween(r.Context(), caller.ID, start, start.AddDate(0, 0, 1))
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	recent, err := h.docs.RecentByDoctor(r.Context(), caller.ID, recentActivityLimit)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"patientCount":      patients,
		"todayAppointments": today,
		"recentActivity":    recent,
	})
}

// ListPatients lists the doctor's linked patients
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patients, err := h.care.Patients(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, patients)
}

// PatientHistory returns a linked patient's profile, documents and appointments
func (h *Handler) PatientHistory(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patientID, err := patientParam(r)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	record, err := h.care.PatientRecord(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusOK, record)
}

// ProfileUpdate carries the clinical sections a doctor may edit
type ProfileUpdate struct {
	MedicalHistory *user.MedicalHistory `json:"medical_history"`
	Lifestyle      *user.Lifestyle      `json:"lifestyle"`
}

// UpdatePatientProfile replaces a linked patient's medical history and lifestyle
func (h *Handler) UpdatePatientProfile(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patientID, err := patientParam(r)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	var req ProfileUpdate
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if req.MedicalHistory == nil && req.Lifestyle == nil {
		httpx.Error(w, errors.BadRequest("medical_history or lifestyle is required"))
		return
	}

	patient, err := h.linkedPatient(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	if req.MedicalHistory != nil {
		patient.MedicalHistory = *req.MedicalHistory
	}
	if req.Lifestyle != nil {
		patient.Lifestyle = *req.Lifestyle
	}
	patient.UpdatedAt = time.Now().UTC()

	if err := h.users.Update(r.Context(), patient); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("user.profile_updated", "clinical", map[string]any{
		"user_id":  patient.ID,
		"sections": updatedSections(req),
	}).WithActor(caller.ID, caller.Role))

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message": "Patient profile updated",
		"patient": patient.Summary(),
	})
}

// MedicineInput accepts a medicine object or a free-text line
type MedicineInput document.Medicine

func (m *MedicineInput) UnmarshalJSON(b []byte) error {
	var line string
	if err := json.Unmarshal(b, &line); err == nil {
		*m = MedicineInput{Name: strings.TrimSpace(line)}
		return nil
	}
	var med document.Medicine
	if err := json.Unmarshal(b, &med); err != nil {
		return err
	}
	med.Name = strings.TrimSpace(med.Name)
	*m = MedicineInput(med)
	return nil
}

// Label is the medicine as one line of text
func (m MedicineInput) Label() string {
	parts := []string{m.Name}
	for _, p := range []string{m.Dosage, m.Frequency} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if m.Duration != "" {
		parts = append(parts, "for "+m.Duration)
	}
	return strings.Join(parts, " ")
}

// PrescribeRequest creates a prescription
type PrescribeRequest struct {
	PatientID   string          `json:"patient_id"`
	Medicines   []MedicineInput `json:"medicines"`
	Diagnosis   string          `json:"diagnosis"`
	Symptoms    string          `json:"symptoms"`
	Notes       string          `json:"notes"`
	SkipAICheck bool            `json:"skipAICheck"`
}

// SafetyCheckResult is the AI verdict on one prescribed medicine
type SafetyCheckResult struct {
	Medicine string             `json:"medicine"`
	Safety   string             `json:"safety,omitempty"`
	Analysis *ai.SafetyAnalysis `json:"analysis,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Prescribe issues a PDF prescription as a patient document
func (h *Handler) Prescribe(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req PrescribeRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	patientID, err := types.ParseID(req.PatientID)
	if err != nil {
		httpx.Error(w, errors.BadRequest("patient_id is required"))
		return
	}
	if strings.TrimSpace(req.Diagnosis) == "" {
		httpx.Error(w, errors.BadRequest("diagnosis is required"))
		return
	}
	medicines := make([]document.Medicine, 0, len(req.Medicines))
	for _, m := range req.Medicines {
		if m.Name == "" {
			httpx.Error(w, errors.BadRequest("every medicine needs a name"))
			return
		}
		medicines = append(medicines, document.Medicine(m))
	}
	if len(medicines) == 0 {
		httpx.Error(w, errors.BadRequest("at least one medicine is required"))
		return
	}

	patient, err := h.linkedPatient(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	doctor, err := h.users.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	var checks []SafetyCheckResult
	if !req.SkipAICheck {
		checks = h.safetyChecks(r.Context(), req.Medicines, patient)
	}

	issued := h.now()
	pdf, err := RenderPrescriptionPDF(Prescription{
		DoctorName:     doctor.Name,
		Specialization: doctor.Specialization,
		HospitalName:   doctor.HospitalName,
		PatientName:    patient.Name,
		PatientAge:     patient.Age(issued),
		PatientGender:  patient.Gender,
		Diagnosis:      req.Diagnosis,
		Symptoms:       req.Symptoms,
		Notes:          req.Notes,
		Medicines:      medicines,
		IssuedAt:       issued,
	})
	if err != nil {
		httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to render prescription"))
		return
	}

	doc := document.NewDocument(patient.ID, doctor.ID, document.DocumentTypePrescription,
		"Prescription - "+issued.Format("02 Jan 2006"))
	doc.ExtractedData = document.ExtractedData{
		DoctorID:   doctor.ID,
		DoctorName: doctor.Name,
		Diagnosis:  strings.TrimSpace(req.Diagnosis),
		Symptoms:   strings.TrimSpace(req.Symptoms),
		Medicines:  medicines,
		Notes:      strings.TrimSpace(req.Notes),
		Source:     document.SourcePrescription,
	}
	doc.ShareWith([]types.ID{doctor.ID})
	doc.AttachFile(fmt.Sprintf("prescription-%s.pdf", issued.Format("20060102-1504")), "application/pdf",
		storage.DocumentKey(patient.ID.String(), doc.ID.String(), ".pdf"), pdf)

	if err := h.docs.Create(r.Context(), doc, pdf); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordDocumentUploaded(string(doc.Type), caller.Role)
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("prescription.created", "clinical", map[string]any{
		"document_id": doc.ID,
		"patient_id":  patient.ID,
		"medicines":   len(medicines),
	}).WithActor(caller.ID, caller.Role))
	h.notify(r.Context(), notification.Message{
		RecipientID: patient.ID,
		Phone:       patient.Phone,
		Subject:     "New prescription",
		Body:        fmt.Sprintf("Dr. %s issued you a prescription", strings.TrimPrefix(doctor.Name, "Dr. ")),
		Priority:    notification.PriorityHigh,
		Data:        map[string]any{"document_id": doc.ID.String()},
	})

	h.log.Info("prescription created",
		zap.String("document_id", doc.ID.String()),
		zap.Int("medicines", len(medicines)),
		zap.Int("safety_checks", len(checks)),
	)

	if checks == nil {
		checks = []SafetyCheckResult{}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"message":      "Prescription created successfully",
		"prescription": doc,
		"safetyChecks": checks,
	})
}

// DiagnosisRequest records a diagnosis note
type DiagnosisRequest struct {
	PatientID     string `json:"patient_id"`
	Diagnosis     string `json:"diagnosis"`
	Symptoms      string `json:"symptoms"`
	TreatmentPlan string `json:"treatment_plan"`
}

// RecordDiagnosis stores a diagnosis note without a file
func (h *Handler) RecordDiagnosis(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req DiagnosisRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	patientID, err := types.ParseID(req.PatientID)
	if err != nil {
		httpx.Error(w, errors.BadRequest("patient_id is required"))
		return
	}
	if strings.TrimSpace(req.Diagnosis) == "" {
		httpx.Error(w, errors.BadRequest("diagnosis is required"))
		return
	}

	patient, err := h.linkedPatient(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	doctor, err := h.users.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	doc := document.NewDocument(patient.ID, doctor.ID, document.DocumentTypeDiagnosisNote,
		"Diagnosis - "+h.now().Format("02 Jan 2006"))
	doc.ExtractedData = document.ExtractedData{
		DoctorID:      doctor.ID,
		DoctorName:    doctor.Name,
		Diagnosis:     strings.TrimSpace(req.Diagnosis),
		Symptoms:      strings.TrimSpace(req.Symptoms),
		TreatmentPlan: strings.TrimSpace(req.TreatmentPlan),
		Source:        document.SourceDiagnosis,
	}
	doc.ShareWith([]types.ID{doctor.ID})

	if err := h.docs.Create(r.Context(), doc, nil); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("diagnosis.created", "clinical", map[string]any{
		"document_id": doc.ID,
		"patient_id":  patient.ID,
	}).WithActor(caller.ID, caller.Role))
	h.notify(r.Context(), notification.Message{
		RecipientID: patient.ID,
		Subject:     "New diagnosis note",
		Body:        "Your doctor added a diagnosis note to your records",
		Data:        map[string]any{"document_id": doc.ID.String()},
	})

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"message":  "Diagnosis recorded",
		"document": doc,
	})
}

// ExportPatients downloads the doctor's patients as a spreadsheet
func (h *Handler) ExportPatients(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patients, err := h.care.PatientUsers(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	now := h.now()
	data, err := PatientsWorkbook(patients, now)
	if err != nil {
		httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to build export"))
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="patients-%s.xlsx"`, now.Format("20060102")))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// LabImportRequest selects the collection window; dates are YYYY-MM-DD or RFC 3339
type LabImportRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ImportLabResults copies hospital lab results into a lab_report document
func (h *Handler) ImportLabResults(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	if h.labs == nil {
		httpx.Error(w, errors.Unavailable("Hospital integration not configured"))
		return
	}

	patientID, err := patientParam(r)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	var req LabImportRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	from, to, err := h.labWindow(req)
	if err != nil {
		httpx.Error(w, err)
		return
	}

	patient, err := h.linkedPatient(r.Context(), caller.ID, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	doctor, err := h.users.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	results, err := h.labs.FetchLabResults(r.Context(), patient.Phone, from, to)
	if err != nil {
		h.log.Error("lab import failed",
			zap.String("source", h.labs.SourceSystem()),
			zap.String("patient_id", patient.ID.String()),
			zap.Error(err),
		)
		httpx.Error(w, errors.Unavailable("Hospital system unavailable"))
		return
	}
	if len(results) == 0 {
		httpx.JSON(w, http.StatusOK, map[string]any{
			"message":  "No lab results found",
			"imported": 0,
		})
		return
	}

	imp := &hospital.Import{
		Source:      h.labs.SourceSystem(),
		Institution: h.labs.SourceInstitution(),
		From:        from,
		To:          to,
		Results:     results,
	}
	report := []byte(hospital.RenderReport(imp))

	doc := document.NewDocument(patient.ID, doctor.ID, document.DocumentTypeLabReport, hospital.Title(imp))
	doc.ExtractedData = document.ExtractedData{
		DoctorID:    doctor.ID,
		DoctorName:  doctor.Name,
		SummaryText: fmt.Sprintf("%d results from %s, %d flagged", len(results), imp.Institution, imp.AbnormalCount()),
		Source:      document.SourceHospital,
	}
	doc.ShareWith([]types.ID{doctor.ID})
	doc.AttachFile(fmt.Sprintf("labs-%s-%s.txt", from.Format("20060102"), to.Format("20060102")), "text/plain",
		storage.DocumentKey(patient.ID.String(), doc.ID.String(), ".txt"), report)

	if err := h.docs.Create(r.Context(), doc, report); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordDocumentUploaded(string(doc.Type), "hospital")
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("document.uploaded", "clinical", map[string]any{
		"document_id": doc.ID,
		"patient_id":  patient.ID,
		"type":        doc.Type,
		"source":      imp.Source,
		"results":     len(results),
	}).WithActor(caller.ID, caller.Role))

	httpx.JSON(w, http.StatusCreated, map[string]any{
		"message":  "Lab results imported",
		"document": doc,
		"imported": len(results),
		"abnormal": imp.AbnormalCount(),
	})
}

func (h *Handler) labWindow(req LabImportRequest) (time.Time, time.Time, error) {
	now := h.now()
	to := now
	if req.To != "" {
		t, err := parseDay(req.To, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		// a plain date covers the whole day
		if !strings.Contains(req.To, "T") {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		to = t
	}
	from := to.Add(-defaultLabWindow)
	if req.From != "" {
		t, err := parseDay(req.From, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, errors.BadRequest("from must be before to")
	}
	if to.Sub(from) > hospital.MaxImportRange {
		return time.Time{}, time.Time{}, errors.BadRequest("date range cannot exceed 366 days")
	}
	return from, to, nil
}

func parseDay(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.BadRequest("dates must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

// safetyChecks runs one AI check per medicine; failures are reported per entry
func (h *Handler) safetyChecks(ctx context.Context, medicines []MedicineInput, patient *user.User) []SafetyCheckResult {
	history := map[string]any{
		"age":             patient.Age(h.now()),
		"gender":          patient.Gender,
		"medical_history": patient.MedicalHistory,
		"lifestyle":       patient.Lifestyle,
	}

	checks := make([]SafetyCheckResult, 0, len(medicines))
	for _, m := range medicines {
		label := m.Label()
		if h.safety == nil || !h.safety.Enabled() {
			checks = append(checks, SafetyCheckResult{Medicine: label, Error: "AI service not configured"})
			continue
		}

		analysis, err := h.safety.SafetyCheck(ctx, label, history)
		if err != nil {
			h.log.Warn("safety check failed", zap.String("medicine", m.Name), zap.Error(err))
			checks = append(checks, SafetyCheckResult{Medicine: label, Error: "Safety check failed"})
			continue
		}
		checks = append(checks, SafetyCheckResult{Medicine: label, Safety: describe(analysis), Analysis: analysis})
	}
	return checks
}

func describe(a *ai.SafetyAnalysis) string {
	var b strings.Builder
	if a.Safe {
		b.WriteString("Safe")
	} else {
		b.WriteString("Caution")
	}
	if a.RiskLevel != "" {
		fmt.Fprintf(&b, " (risk: %s)", a.RiskLevel)
	}
	for _, warning := range a.Warnings {
		b.WriteString("\n- " + warning)
	}
	if a.Recommendation != "" {
		b.WriteString("\n" + a.Recommendation)
	}
	return b.String()
}

func (h *Handler) linkedPatient(ctx context.Context, doctorID, patientID types.ID) (*user.User, error) {
	if err := h.care.RequireLink(ctx, doctorID, patientID); err != nil {
		return nil, err
	}
	patient, err := h.users.FindByID(ctx, patientID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundMessage("Patient not found")
		}
		return nil, err
	}
	return patient, nil
}

func (h *Handler) notify(ctx context.Context, msg notification.Message) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, msg); err != nil {
		h.log.Warn("failed to queue notification", zap.String("recipient_id", msg.RecipientID.String()), zap.Error(err))
	}
}

func patientParam(r *http.Request) (types.ID, error) {
	id, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		return "", errors.BadRequest("invalid patient id")
	}
	return id, nil
}

func updatedSections(req ProfileUpdate) []string {
	var sections []string
	if req.MedicalHistory != nil {
		sections = append(sections, "medical_history")
	}
	if req.Lifestyle != nil {
		sections = append(sections, "lifestyle")
	}
	return sections
}
