package document

import (
	"crypto/sha256"
	"encoding/hex"
	"mime"
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/ai"
	"github.com/healthnexus/platform/internal/shared/types"
)

// DocumentType defines the type of document
type DocumentType string

const (
	DocumentTypeReport        DocumentType = "report"
	DocumentTypeLabReport     DocumentType = "lab_report"
	DocumentTypePrescription  DocumentType = "prescription"
	DocumentTypeDiagnosisNote DocumentType = "diagnosis_note"
	DocumentTypeImaging       DocumentType = "imaging"
)

// Valid reports whether t is a known document type
func (t DocumentType) Valid() bool {
	switch t {
	case DocumentTypeReport, DocumentTypeLabReport, DocumentTypePrescription,
		DocumentTypeDiagnosisNote, DocumentTypeImaging:
		return true
	}
	return false
}

// Sources recorded in extracted_data.source
const (
	SourcePatientUpload = "patient_upload"
	SourceDoctorUpload  = "doctor_upload"
	SourcePrescription  = "prescription"
	SourceDiagnosis     = "diagnosis"
	SourceHospital      = "hospital_import"
)

// Medicine is one prescribed medicine
type Medicine struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// ExtractedData holds the structured fields of a document. doctor_id marks
// the authoring doctor.
type ExtractedData struct {
	DoctorID         types.ID   `json:"doctor_id,omitempty"`
	DoctorName       string     `json:"doctor_name,omitempty"`
	HiddenForPatient bool       `json:"hidden_for_patient,omitempty"`
	Diagnosis        string     `json:"diagnosis,omitempty"`
	Symptoms         string     `json:"symptoms,omitempty"`
	TreatmentPlan    string     `json:"treatment_plan,omitempty"`
	Medicines        []Medicine `json:"medicines,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	SummaryText      string     `json:"summary_text,omitempty"`
	Source           string     `json:"source,omitempty"`
}

// Document is a medical record stored for a patient
type Document struct {
	ID            types.ID           `json:"id"`
	PatientID     types.ID           `json:"patient_id"`
	UploadedBy    types.ID           `json:"uploaded_by"`
	Type          DocumentType       `json:"type"`
	Title         string             `json:"title"`
	FileName      string             `json:"file_name"`
	FileURL       string             `json:"file_url"`
	StorageKey    string             `json:"-"`
	MimeType      string             `json:"mime_type"`
	FileSize      int64              `json:"file_size"`
	FileHash      string             `json:"file_hash,omitempty"`
	IsShared      bool               `json:"is_shared"`
	SharedWith    []types.ID         `json:"shared_with"`
	ExtractedData ExtractedData      `json:"extracted_data"`
	Analysis      *ai.ReportAnalysis `json:"analysis,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewDocument creates a document record without a file
func NewDocument(patientID, uploadedBy types.ID, docType DocumentType, title string) *Document {
	now := time.Now().UTC()
	id := types.NewID()
	return &Document{
		ID:         id,
		PatientID:  patientID,
		UploadedBy: uploadedBy,
		Type:       docType,
		Title:      strings.TrimSpace(title),
		SharedWith: []types.ID{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AttachFile records file metadata; the blob itself is written by the caller.
func (d *Document) AttachFile(fileName, mimeType, storageKey string, data []byte) {
	d.FileName = fileName
	d.MimeType = mimeType
	d.StorageKey = storageKey
	d.FileSize = int64(len(data))
	d.FileHash = ComputeHash(data)
	d.FileURL = "api/documents/" + d.ID.String() + "/file"
}

// HasFile reports whether a blob is stored for the document
func (d *Document) HasFile() bool {
	return d.StorageKey != ""
}

// AuthoredBy reports whether doctorID created the document
func (d *Document) AuthoredBy(doctorID types.ID) bool {
	return !d.ExtractedData.DoctorID.IsZero() && d.ExtractedData.DoctorID == doctorID
}

// ShareWith replaces the share list; an empty list unshares the document.
func (d *Document) ShareWith(doctorIDs []types.ID) {
	seen := make(map[types.ID]bool, len(doctorIDs))
	shared := make([]types.ID, 0, len(doctorIDs))
	for _, id := range doctorIDs {
		if id.IsZero() || seen[id] {
			continue
		}
		seen[id] = true
		shared = append(shared, id)
	}
	d.SharedWith = shared
	d.IsShared = len(shared) > 0
	d.UpdatedAt = time.Now().UTC()
}

// SetAnalysis stores an AI analysis and copies its summary into extracted_data
func (d *Document) SetAnalysis(analysis *ai.ReportAnalysis) {
	d.Analysis = analysis
	if analysis != nil {
		d.ExtractedData.SummaryText = analysis.SummaryText
	}
	d.UpdatedAt = time.Now().UTC()
}

func (d *Document) sharedWith(doctorID types.ID) bool {
	for _, id := range d.SharedWith {
		if id == doctorID {
			return true
		}
	}
	return false
}

// VisibleToDoctor decides whether a linked doctor may see the document. The
// authoring doctor always sees it; a document hidden for the patient is then
// visible to nobody else; otherwise it must be shared with the doctor.
func VisibleToDoctor(d *Document, doctorID types.ID) bool {
	if d.AuthoredBy(doctorID) {
		return true
	}
	if d.ExtractedData.HiddenForPatient {
		return false
	}
	return d.IsShared && d.sharedWith(doctorID)
}

// VisibleToPatient hides documents the patient removed from their records
func VisibleToPatient(d *Document) bool {
	return !d.ExtractedData.HiddenForPatient
}

// ComputeHash computes the SHA-256 hash of file content
func ComputeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var allowedTypes = map[string]string{
	"application/pdf": ".pdf",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"text/plain":      ".txt",
}

// AllowedMIME normalizes a content type and reports whether uploads of it are
// accepted, with the file extension to store it under.
func AllowedMIME(contentType string) (mimeType, ext string, ok bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", "", false
	}
	if mediaType == "image/jpg" {
		mediaType = "image/jpeg"
	}
	ext, ok = allowedTypes[mediaType]
	return mediaType, ext, ok
}
