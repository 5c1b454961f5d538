package clinical

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
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
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fakeCare struct {
	users  map[types.ID]*user.User
	linked map[types.ID][]types.ID
}

func (c *fakeCare) RequireLink(ctx context.Context, doctorID, patientID types.ID) error {
	for _, id := range c.linked[doctorID] {
		if id == patientID {
			return nil
		}
	}
	return errors.Forbidden("Not connected to this patient")
}

func (c *fakeCare) PatientUsers(ctx context.Context, doctorID types.ID) ([]*user.User, error) {
	out := []*user.User{}
	for _, id := range c.linked[doctorID] {
		if u, ok := c.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (c *fakeCare) Patients(ctx context.Context, doctorID types.ID) ([]user.Summary, error) {
	users, _ := c.PatientUsers(ctx, doctorID)
	out := []user.Summary{}
	for _, u := range users {
		out = append(out, u.Summary())
	}
	return out, nil
}

func (c *fakeCare) CountPatients(ctx context.Context, doctorID types.ID) (int, error) {
	return len(c.linked[doctorID]), nil
}

func (c *fakeCare) PatientRecord(ctx context.Context, doctorID, patientID types.ID) (*careteam.PatientRecord, error) {
	if err := c.RequireLink(ctx, doctorID, patientID); err != nil {
		return nil, err
	}
	return &careteam.PatientRecord{Patient: c.users[patientID], Documents: []*document.Document{}, Appointments: nil}, nil
}

type memUsers map[types.ID]*user.User

func (m memUsers) FindByID(ctx context.Context, id types.ID) (*user.User, error) {
	if u, ok := m[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, errors.NotFoundMessage("User not found")
}

func (m memUsers) Update(ctx context.Context, u *user.User) error {
	c := *u
	m[u.ID] = &c
	return nil
}

type created struct {
	doc  *document.Document
	data []byte
}

type fakeDocs struct {
	created []created
	recent  []*document.Document
}

func (f *fakeDocs) Create(ctx context.Context, d *document.Document, data []byte) error {
	f.created = append(f.created, created{doc: d, data: data})
	return nil
}

func (f *fakeDocs) RecentByDoctor(ctx context.Context, doctorID types.ID, limit int) ([]*document.Document, error) {
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

type fakeAppts struct {
	from, to time.Time
	count    int
}

func (f *fakeAppts) CountForDoctorBetween(ctx context.Context, doctorID types.ID, from, to time.Time) (int, error) {
	f.from, f.to = from, to
	return f.count, nil
}

type fakeSafety struct {
	enabled bool
	failOn  string
	checked []string
	history any
}

func (f *fakeSafety) Enabled() bool { return f.enabled }

func (f *fakeSafety) SafetyCheck(ctx context.Context, newMed string, patientHistory any) (*ai.SafetyAnalysis, error) {
	f.checked = append(f.checked, newMed)
	f.history = patientHistory
	if f.failOn != "" && strings.HasPrefix(newMed, f.failOn) {
		return nil, fmt.Errorf("model timeout")
	}
	return &ai.SafetyAnalysis{Safe: true, RiskLevel: "low", Recommendation: "Proceed"}, nil
}

type fakeLabs struct {
	results []hospital.LabResult
	err     error
	phone   string
}

func (f *fakeLabs) FetchLabResults(ctx context.Context, phone string, from, to time.Time) ([]hospital.LabResult, error) {
	f.phone = phone
	return f.results, f.err
}

func (f *fakeLabs) SourceSystem() string { return "heliant" }

func (f *fakeLabs) SourceInstitution() string { return "City Hospital" }

func (f *fakeLabs) Health(ctx context.Context) error { return nil }

func (f *fakeLabs) Close() error { return nil }

type recordingNotifier struct {
	msgs []notification.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notification.Message) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

type fixture struct {
	users    memUsers
	docs     *fakeDocs
	appts    *fakeAppts
	safety   *fakeSafety
	labs     *fakeLabs
	notifier *recordingNotifier
	bus      *events.Recorder
	handler  *Handler
	router   chi.Router

	doctor   *user.User
	patient  *user.User
	stranger *user.User
}

var fixedNow = time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)

func newFixture(withLabs bool) *fixture {
	doctor := &user.User{ID: types.NewID(), Role: auth.RoleDoctor, Name: "Dr. Rao", Specialization: "Cardiology", HospitalName: "City Clinic"}
	patient := &user.User{
		ID: types.NewID(), Role: auth.RolePatient, Name: "Asha", Phone: "9876543210", DOB: "1990-06-01", Gender: "Female",
		MedicalHistory: user.MedicalHistory{Allergies: []string{"Penicillin"}},
	}
	stranger := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Ravi"}

	f := &fixture{
		users:    memUsers{doctor.ID: doctor, patient.ID: patient, stranger.ID: stranger},
		docs:     &fakeDocs{},
		appts:    &fakeAppts{count: 3},
		safety:   &fakeSafety{enabled: true},
		labs:     &fakeLabs{},
		notifier: &recordingNotifier{},
		bus:      &events.Recorder{},
		doctor:   doctor,
		patient:  patient,
		stranger: stranger,
	}
	care := &fakeCare{users: f.users, linked: map[types.ID][]types.ID{doctor.ID: {patient.ID}}}

	var labs hospital.LabSource
	if withLabs {
		labs = f.labs
	}
	f.handler = NewHandler(care, f.users, f.docs, f.appts, f.safety, labs, f.notifier, f.bus, zap.NewNop())
	f.handler.now = func() time.Time { return fixedNow }
	f.router = f.handler.Routes()
	return f
}

func (f *fixture) do(u *user.User, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: u.ID, Phone: u.Phone, Role: u.Role}))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestMedicineInput(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  MedicineInput
		label string
	}{
		{
			name:  "free text",
			raw:   `" Paracetamol 500mg twice daily for 5 days "`,
			want:  MedicineInput{Name: "Paracetamol 500mg twice daily for 5 days"},
			label: "Paracetamol 500mg twice daily for 5 days",
		},
		{
			name:  "structured",
			raw:   `{"name":"Amoxicillin","dosage":"250mg","frequency":"TID","duration":"7 days"}`,
			want:  MedicineInput{Name: "Amoxicillin", Dosage: "250mg", Frequency: "TID", Duration: "7 days"},
			label: "Amoxicillin 250mg TID for 7 days",
		},
		{
			name:  "name only",
			raw:   `{"name":"Cetirizine"}`,
			want:  MedicineInput{Name: "Cetirizine"},
			label: "Cetirizine",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MedicineInput
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &m))
			assert.Equal(t, tt.want, m)
			assert.Equal(t, tt.label, m.Label())
		})
	}

	var m MedicineInput
	assert.Error(t, json.Unmarshal([]byte(`42`), &m))
}

func TestDashboard(t *testing.T) {
	f := newFixture(false)
	f.docs.recent = []*document.Document{document.NewDocument(f.patient.ID, f.doctor.ID, document.DocumentTypePrescription, "Rx")}

	w := f.do(f.doctor, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(1), body["patientCount"])
	assert.Equal(t, float64(3), body["todayAppointments"])
	assert.Len(t, body["recentActivity"], 1)

	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), f.appts.from)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), f.appts.to)

	w = f.do(f.patient, http.MethodGet, "/dashboard", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPatientHistory(t *testing.T) {
	f := newFixture(false)

	w := f.do(f.doctor, http.MethodGet, "/patients/"+f.patient.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Asha", decode(t, w)["patient"].(map[string]any)["name"])

	w = f.do(f.doctor, http.MethodGet, "/patients/"+f.stranger.ID.String()+"/history", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(f.doctor, http.MethodGet, "/patients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var patients []user.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patients))
	assert.Len(t, patients, 1)
}

func TestUpdatePatientProfile(t *testing.T) {
	f := newFixture(false)
	path := "/patients/" + f.patient.ID.String() + "/profile"

	w := f.do(f.doctor, http.MethodPut, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(f.doctor, http.MethodPut, path, ProfileUpdate{Lifestyle: &user.Lifestyle{Smoking: "never", Alcohol: "occasional"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Patient profile updated", decode(t, w)["message"])

	stored := f.users[f.patient.ID]
	assert.Equal(t, "never", stored.Lifestyle.Smoking)
	assert.Equal(t, []string{"Penicillin"}, stored.MedicalHistory.Allergies, "medical history untouched")
	assert.Equal(t, []string{"user.profile_updated"}, f.bus.Types())

	w = f.do(f.doctor, http.MethodPut, "/patients/"+f.stranger.ID.String()+"/profile", ProfileUpdate{Lifestyle: &user.Lifestyle{}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPrescribe(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		f := newFixture(false)

		tests := []struct {
			name   string
			body   map[string]any
			status int
		}{
			{"missing patient", map[string]any{"diagnosis": "Flu", "medicines": []string{"Paracetamol"}}, http.StatusBadRequest},
			{"missing diagnosis", map[string]any{"patient_id": f.patient.ID, "medicines": []string{"Paracetamol"}}, http.StatusBadRequest},
			{"no medicines", map[string]any{"patient_id": f.patient.ID, "diagnosis": "Flu", "medicines": []string{}}, http.StatusBadRequest},
			{"blank medicine", map[string]any{"patient_id": f.patient.ID, "diagnosis": "Flu", "medicines": []string{" "}}, http.StatusBadRequest},
			{"not linked", map[string]any{"patient_id": f.stranger.ID, "diagnosis": "Flu", "medicines": []string{"Paracetamol"}}, http.StatusForbidden},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(f.doctor, http.MethodPost, "/prescribe", tt.body)
				assert.Equal(t, tt.status, w.Code, w.Body.String())
			})
		}
		assert.Empty(t, f.docs.created)
	})

	t.Run("with safety checks", func(t *testing.T) {
		f := newFixture(false)
		f.safety.failOn = "Ibuprofen"

		w := f.do(f.doctor, http.MethodPost, "/prescribe", map[string]any{
			"patient_id": f.patient.ID,
			"diagnosis":  "Viral fever",
			"symptoms":   "Fever, body ache",
			"medicines": []any{
				"Paracetamol 500mg twice daily for 5 days",
				map[string]string{"name": "Ibuprofen", "dosage": "400mg"},
			},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp struct {
			Message      string              `json:"message"`
			Prescription document.Document   `json:"prescription"`
			SafetyChecks []SafetyCheckResult `json:"safetyChecks"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "Prescription created successfully", resp.Message)
		require.Len(t, resp.SafetyChecks, 2)
		assert.Contains(t, resp.SafetyChecks[0].Safety, "Safe (risk: low)")
		assert.Empty(t, resp.SafetyChecks[0].Error)
		assert.Equal(t, "Ibuprofen 400mg", resp.SafetyChecks[1].Medicine)
		assert.Equal(t, "Safety check failed", resp.SafetyChecks[1].Error)
		assert.Equal(t, 35, f.safety.history.(map[string]any)["age"])

		require.Len(t, f.docs.created, 1)
		doc, data := f.docs.created[0].doc, f.docs.created[0].data
		assert.Equal(t, document.DocumentTypePrescription, doc.Type)
		assert.Equal(t, f.doctor.ID, doc.ExtractedData.DoctorID)
		assert.Equal(t, document.SourcePrescription, doc.ExtractedData.Source)
		assert.Equal(t, []types.ID{f.doctor.ID}, doc.SharedWith)
		assert.Equal(t, "application/pdf", doc.MimeType)
		assert.True(t, doc.HasFile())
		assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
		assert.Len(t, doc.ExtractedData.Medicines, 2)

		require.Len(t, f.notifier.msgs, 1)
		assert.Equal(t, f.patient.ID, f.notifier.msgs[0].RecipientID)
		assert.Equal(t, notification.PriorityHigh, f.notifier.msgs[0].Priority)
		assert.Equal(t, []string{"prescription.created"}, f.bus.Types())
	})

	t.Run("skip AI check", func(t *testing.T) {
		f := newFixture(false)

		w := f.do(f.doctor, http.MethodPost, "/prescribe", map[string]any{
			"patient_id":  f.patient.ID,
			"diagnosis":   "Allergic rhinitis",
			"medicines":   []string{"Cetirizine 10mg"},
			"skipAICheck": true,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Empty(t, decode(t, w)["safetyChecks"])
		assert.Empty(t, f.safety.checked)
	})

	t.Run("AI disabled", func(t *testing.T) {
		f := newFixture(false)
		f.safety.enabled = false

		w := f.do(f.doctor, http.MethodPost, "/prescribe", map[string]any{
			"patient_id": f.patient.ID,
			"diagnosis":  "Allergic rhinitis",
			"medicines":  []string{"Cetirizine 10mg"},
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		checks := decode(t, w)["safetyChecks"].([]any)
		require.Len(t, checks, 1)
		assert.Equal(t, "AI service not configured", checks[0].(map[string]any)["error"])
		assert.Empty(t, f.safety.checked)
	})
}

func TestRecordDiagnosis(t *testing.T) {
	f := newFixture(false)

	w := f.do(f.doctor, http.MethodPost, "/diagnosis", DiagnosisRequest{PatientID: f.patient.ID.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(f.doctor, http.MethodPost, "/diagnosis", DiagnosisRequest{
		PatientID:     f.patient.ID.String(),
		Diagnosis:     "Type 2 diabetes",
		TreatmentPlan: "Diet control, recheck HbA1c in 3 months",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Diagnosis recorded", decode(t, w)["message"])

	require.Len(t, f.docs.created, 1)
	doc := f.docs.created[0].doc
	assert.Equal(t, document.DocumentTypeDiagnosisNote, doc.Type)
	assert.False(t, doc.HasFile())
	assert.Nil(t, f.docs.created[0].data)
	assert.Equal(t, "Diet control, recheck HbA1c in 3 months", doc.ExtractedData.TreatmentPlan)
	assert.True(t, document.VisibleToDoctor(doc, f.doctor.ID))

	w = f.do(f.doctor, http.MethodPost, "/diagnosis", DiagnosisRequest{PatientID: f.stranger.ID.String(), Diagnosis: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExportPatients(t *testing.T) {
	f := newFixture(false)

	w := f.do(f.doctor, http.MethodGet, "/patients/export", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "patients-20260315.xlsx")

	book, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Name", rows[0][0])
	assert.Equal(t, "Asha", rows[1][0])
	assert.Equal(t, "35", rows[1][2])
	assert.Equal(t, "Penicillin", rows[1][6])
}

func TestImportLabResults(t *testing.T) {
	path := func(f *fixture) string { return "/patients/" + f.patient.ID.String() + "/labs/import" }

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(false)
		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("imports a report", func(t *testing.T) {
		f := newFixture(true)
		collected := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		f.labs.results = []hospital.LabResult{
			{TestName: "Hemoglobin", Value: "10.2", Unit: "g/dL", Interpretation: "low", CollectedAt: collected},
			{TestName: "Glucose", Value: "92", Unit: "mg/dL", Interpretation: "normal", CollectedAt: collected},
		}

		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{From: "2026-03-01", To: "2026-03-14"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.Equal(t, float64(2), decode(t, w)["imported"])
		assert.Equal(t, "9876543210", f.labs.phone)

		require.Len(t, f.docs.created, 1)
		doc, data := f.docs.created[0].doc, f.docs.created[0].data
		assert.Equal(t, document.DocumentTypeLabReport, doc.Type)
		assert.Equal(t, document.SourceHospital, doc.ExtractedData.Source)
		assert.Equal(t, "text/plain", doc.MimeType)
		assert.Equal(t, "2 results from City Hospital, 1 flagged", doc.ExtractedData.SummaryText)
		assert.Contains(t, string(data), "Hemoglobin: 10.2 g/dL [LOW]")
	})

	t.Run("nothing found", func(t *testing.T) {
		f := newFixture(true)
		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(0), decode(t, w)["imported"])
		assert.Empty(t, f.docs.created)
	})

	t.Run("bad window", func(t *testing.T) {
		f := newFixture(true)
		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{From: "2026-03-10", To: "2026-03-01"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{From: "March"})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{From: "2020-01-01", To: "2026-01-01"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "date range cannot exceed 366 days", decode(t, w)["error"])
		assert.Empty(t, f.labs.phone, "hospital is not queried")
	})

	t.Run("full year window", func(t *testing.T) {
		f := newFixture(true)
		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{From: "2025-03-15", To: "2026-03-15"})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.NotEmpty(t, f.labs.phone)
	})

	t.Run("source down", func(t *testing.T) {
		f := newFixture(true)
		f.labs.err = fmt.Errorf("failed to ping database")
		w := f.do(f.doctor, http.MethodPost, path(f), LabImportRequest{})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestRenderPrescriptionPDF(t *testing.T) {
	data, err := RenderPrescriptionPDF(Prescription{
		DoctorName:  "Dr. Rao",
		PatientName: "Asha Menon",
		Diagnosis:   "Viral fever",
		Medicines:   []document.Medicine{{Name: "Paracetamol", Dosage: "500mg", Frequency: "BD", Duration: "5 days"}},
		IssuedAt:    fixedNow,
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
	assert.Greater(t, len(data), 500)
}
