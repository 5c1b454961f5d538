package document

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/ai"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/storage"
	"go.uber.org/zap"
)

// DefaultMaxUploadBytes caps an uploaded report
const DefaultMaxUploadBytes = 20 << 20

// multipartOverhead is the room left for form fields and part headers on top
// of the file itself.
const multipartOverhead = 1 << 20

// Handler provides HTTP handlers for the document module
type Handler struct {
	service  *Service
	maxBytes int64
	log      *zap.Logger
}

// NewHandler creates a new document handler. maxBytes <= 0 uses DefaultMaxUploadBytes.
func NewHandler(service *Service, maxBytes int64, log *zap.Logger) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Handler{service: service, maxBytes: maxBytes, log: log.Named("document")}
}

// Routes registers the document routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/upload", h.Upload)
	r.Get("/patient/{patientID}", h.ListForPatient)

	r.Route("/{documentID}", func(r chi.Router) {
		r.Get("/", h.GetDocument)
		r.Delete("/", h.DeleteDocument)
		r.Get("/file", h.DownloadFile)
		r.Patch("/share", h.ShareDocument)
		r.Post("/analyze", h.AnalyzeDocument)
	})

	return r
}

// UploadResponse is returned by POST /upload
type UploadResponse struct {
	Message  string             `json:"message"`
	Document *Document          `json:"document"`
	Analysis *ai.ReportAnalysis `json:"analysis"`
}

// Upload stores a report for a patient
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		httpx.Error(w, errors.BadRequest("File too large or invalid form data"))
		return
	}

	file, header, err := r.FormFile("report")
	if err != nil {
		httpx.Error(w, errors.BadRequest("No file uploaded"))
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		httpx.Error(w, errors.BadRequest(fmt.Sprintf("File too large. Maximum size is %d MB", h.maxBytes>>20)))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil || int64(len(data)) > h.maxBytes {
		httpx.Error(w, errors.BadRequest("File too large or invalid form data"))
		return
	}

	mimeType, ext, ok := detectMIME(header.Header.Get("Content-Type"), data)
	if !ok {
		httpx.Error(w, errors.BadRequest("Unsupported file type. Upload a PDF, image or text file."))
		return
	}

	patientID := caller.ID
	if raw := strings.TrimSpace(r.FormValue("patient_id")); raw != "" {
		if patientID, err = types.ParseID(raw); err != nil {
			httpx.Error(w, errors.BadRequest("invalid patient_id"))
			return
		}
	}

	rel, err := h.service.RelationTo(r.Context(), caller, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	docType := DocumentType(r.FormValue("type"))
	if docType == "" {
		docType = DocumentTypeLabReport
	}
	if !docType.Valid() {
		httpx.Error(w, errors.BadRequest("invalid document type"))
		return
	}

	title := r.FormValue("title")
	if strings.TrimSpace(title) == "" {
		title = header.Filename
	}

	doc := NewDocument(patientID, caller.ID, docType, title)
	switch rel {
	case RelationDoctor:
		doc.ExtractedData.DoctorID = caller.ID
		doc.ExtractedData.Source = SourceDoctorUpload
		doc.ShareWith([]types.ID{caller.ID})
	case RelationSelf, RelationFamily:
		doc.ExtractedData.Source = SourcePatientUpload
	default:
		if caller.IsDoctor() {
			httpx.Error(w, errors.Forbidden("Not connected to this patient"))
		} else {
			httpx.Error(w, errors.Forbidden("Not authorized to upload for this patient"))
		}
		return
	}

	doc.AttachFile(filepath.Base(header.Filename), mimeType,
		storage.DocumentKey(patientID.String(), doc.ID.String(), ext), data)

	if err := h.service.Create(r.Context(), doc, data); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordDocumentUploaded(string(doc.Type), caller.Role)
	h.service.emit(r.Context(), "document.uploaded", caller, doc, map[string]any{
		"file_size": doc.FileSize,
		"source":    doc.ExtractedData.Source,
	})
	if rel == RelationDoctor {
		h.service.notify(r.Context(), notification.Message{
			RecipientID: patientID,
			Subject:     "New document from your doctor",
			Body:        "A new document was added to your records: " + doc.Title,
			Data:        map[string]any{"document_id": doc.ID.String()},
		})
	}

	var analysis *ai.ReportAnalysis
	if analyze, _ := strconv.ParseBool(r.FormValue("analyze")); analyze {
		analysis, err = h.service.Analyze(r.Context(), doc)
		if err != nil {
			h.log.Warn("analysis after upload failed",
				zap.String("document_id", doc.ID.String()),
				zap.Error(err),
			)
			analysis = nil
		} else {
			h.service.emit(r.Context(), "document.analyzed", caller, doc, nil)
		}
	}

	h.log.Info("document uploaded",
		zap.String("document_id", doc.ID.String()),
		zap.String("patient_id", patientID.String()),
		zap.String("uploaded_by", caller.ID.String()),
		zap.String("mime_type", mimeType),
		zap.Int64("size", doc.FileSize),
	)

	message := "File uploaded successfully"
	if analysis != nil {
		message = "File uploaded and analyzed successfully"
	}
	httpx.JSON(w, http.StatusCreated, UploadResponse{Message: message, Document: doc, Analysis: analysis})
}

// ListForPatient lists the documents the caller may see for a patient
func (h *Handler) ListForPatient(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	patientID, err := types.ParseID(chi.URLParam(r, "patientID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid patient id"))
		return
	}

	rel, err := h.service.RelationTo(r.Context(), caller, patientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	var docs []*Document
	switch rel {
	case RelationDoctor:
		docs, err = h.service.ForDoctor(r.Context(), patientID, caller.ID)
	case RelationSelf, RelationFamily:
		docs, err = h.service.ForPatient(r.Context(), patientID)
	default:
		httpx.Error(w, errors.Forbidden("Access denied"))
		return
	}
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	httpx.JSON(w, http.StatusOK, docs)
}

// GetDocument returns document metadata
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := h.readable(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

// DownloadFile streams the stored file
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	doc, _, ok := h.readable(w, r)
	if !ok {
		return
	}
	if !doc.HasFile() {
		httpx.Error(w, errors.NotFoundMessage("Document has no file"))
		return
	}

	data, err := h.service.blobs.Get(r.Context(), doc.StorageKey)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", doc.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(doc.FileName))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ShareRequest replaces the doctors a document is shared with
type ShareRequest struct {
	DoctorIDs []string `json:"doctor_ids"`
}

// ShareDocument updates who a document is shared with
func (h *Handler) ShareDocument(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	doc, rel, ok := h.readable(w, r)
	if !ok {
		return
	}
	if rel != RelationSelf && rel != RelationFamily {
		httpx.Error(w, errors.Forbidden("Only the patient or their family can share documents"))
		return
	}

	var req ShareRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}

	doctorIDs, err := types.ParseIDs(req.DoctorIDs)
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid doctor id"))
		return
	}
	if err := h.service.checkDoctorsLinked(r.Context(), doctorIDs, doc.PatientID); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	doc.ShareWith(doctorIDs)
	if err := h.service.store.Update(r.Context(), doc); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	h.service.emit(r.Context(), "document.shared", caller, doc, map[string]any{
		"shared_with": types.Strings(doc.SharedWith),
	})
	for _, id := range doc.SharedWith {
		h.service.notify(r.Context(), notification.Message{
			RecipientID: id,
			Subject:     "Document shared with you",
			Body:        "A patient shared a document with you: " + doc.Title,
			Data:        map[string]any{"document_id": doc.ID.String(), "patient_id": doc.PatientID.String()},
		})
	}

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message":  "Sharing updated",
		"document": doc,
	})
}

// AnalyzeDocument runs AI analysis on a stored document
func (h *Handler) AnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	doc, _, ok := h.readable(w, r)
	if !ok {
		return
	}

	analysis, err := h.service.Analyze(r.Context(), doc)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	h.service.emit(r.Context(), "document.analyzed", caller, doc, nil)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"message":  "Analysis complete",
		"analysis": analysis,
	})
}

// DeleteDocument deletes a document, or hides a doctor-authored one from the patient
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid document id"))
		return
	}

	doc, err := h.service.store.FindByID(r.Context(), id)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	if caller.IsDoctor() {
		if !doc.AuthoredBy(caller.ID) {
			httpx.Error(w, errors.Forbidden("Doctors can only delete documents they created"))
			return
		}
		h.remove(w, r, caller, doc)
		return
	}

	rel, err := h.service.RelationTo(r.Context(), caller, doc.PatientID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	if rel != RelationSelf && rel != RelationFamily {
		httpx.Error(w, errors.Forbidden("Access denied"))
		return
	}
	if !VisibleToPatient(doc) {
		httpx.Error(w, errors.NotFoundMessage("Document not found"))
		return
	}

	if doc.ExtractedData.DoctorID.IsZero() {
		h.remove(w, r, caller, doc)
		return
	}

	doc.ExtractedData.HiddenForPatient = true
	if err := h.service.store.Update(r.Context(), doc); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	h.service.emit(r.Context(), "document.deleted", caller, doc, map[string]any{"hidden_for_patient": true})
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Document removed from your records"})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request, caller *auth.User, doc *Document) {
	if err := h.service.Remove(r.Context(), doc); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	h.service.emit(r.Context(), "document.deleted", caller, doc, nil)
	h.log.Info("document deleted",
		zap.String("document_id", doc.ID.String()),
		zap.String("deleted_by", caller.ID.String()),
	)
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Document deleted successfully"})
}

// readable loads the document in the URL and checks the caller may read it.
// Documents the caller may not see are reported as not found.
func (h *Handler) readable(w http.ResponseWriter, r *http.Request) (*Document, Relation, bool) {
	caller := auth.GetUser(r.Context())

	id, err := types.ParseID(chi.URLParam(r, "documentID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid document id"))
		return nil, RelationNone, false
	}

	doc, rel, err := h.service.Readable(r.Context(), caller, id)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return nil, RelationNone, false
	}
	return doc, rel, true
}

// detectMIME prefers the declared content type and falls back to sniffing
func detectMIME(declared string, data []byte) (string, string, bool) {
	if declared != "" && declared != "application/octet-stream" {
		if mimeType, ext, ok := AllowedMIME(declared); ok {
			return mimeType, ext, true
		}
	}
	return AllowedMIME(http.DetectContentType(data))
}
