package careteam

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/appointment"
	"github.com/healthnexus/platform/internal/document"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memLinks struct {
	mu    sync.Mutex
	links []*Link
}

func (s *memLinks) Create(ctx context.Context, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.links {
		if x.DoctorID == l.DoctorID && x.PatientID == l.PatientID {
			return errors.Conflict("Already connected to this doctor")
		}
	}
	c := *l
	s.links = append(s.links, &c)
	return nil
}

func (s *memLinks) Update(ctx context.Context, l *Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.links {
		if x.ID == l.ID {
			c := *l
			s.links[i] = &c
			return nil
		}
	}
	return errors.NotFound("link", l.ID.String())
}

func (s *memLinks) FindPair(ctx context.Context, doctorID, patientID types.ID) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.links {
		if x.DoctorID == doctorID && x.PatientID == patientID {
			c := *x
			return &c, nil
		}
	}
	return nil, errors.NotFoundMessage("Connection not found")
}

func (s *memLinks) IsActiveLink(ctx context.Context, doctorID, patientID types.ID) (bool, error) {
	l, err := s.FindPair(ctx, doctorID, patientID)
	if err != nil {
		return false, nil
	}
	return l.IsActive(), nil
}

func (s *memLinks) ActiveDoctorIDs(ctx context.Context, patientID types.ID) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []types.ID{}
	for _, x := range s.links {
		if x.PatientID == patientID && x.IsActive() {
			ids = append(ids, x.DoctorID)
		}
	}
	return ids, nil
}

func (s *memLinks) ActivePatientIDs(ctx context.Context, doctorID types.ID) ([]types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []types.ID{}
	for _, x := range s.links {
		if x.DoctorID == doctorID && x.IsActive() {
			ids = append(ids, x.PatientID)
		}
	}
	return ids, nil
}

type memUsers map[types.ID]*user.User

func (m memUsers) FindByID(ctx context.Context, id types.ID) (*user.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, errors.NotFoundMessage("User not found")
}

func (m memUsers) FindByIDs(ctx context.Context, ids []types.ID) ([]*user.User, error) {
	out := []*user.User{}
	for _, id := range ids {
		if u, ok := m[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m memUsers) FindByQRID(ctx context.Context, qrID string) (*user.User, error) {
	for _, u := range m {
		if u.DoctorQRID == qrID {
			return u, nil
		}
	}
	return nil, errors.NotFoundMessage("User not found")
}

type fakeDocs []*document.Document

func (f fakeDocs) ForDoctor(ctx context.Context, patientID, doctorID types.ID) ([]*document.Document, error) {
	out := []*document.Document{}
	for _, d := range f {
		if d.PatientID == patientID && document.VisibleToDoctor(d, doctorID) {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeAppts []*appointment.Appointment

func (f fakeAppts) ListByPatient(ctx context.Context, patientID types.ID) ([]*appointment.Appointment, error) {
	out := []*appointment.Appointment{}
	for _, a := range f {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

type recordingNotifier struct {
	msgs []notification.Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg notification.Message) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

type fixture struct {
	links    *memLinks
	notifier *recordingNotifier
	bus      *events.Recorder
	service  *Service
	router   chi.Router

	doctor    *user.User
	patient   *user.User
	other     *user.User
	sharedDoc *document.Document
}

func newFixture() *fixture {
	doctor := &user.User{ID: types.NewID(), Role: auth.RoleDoctor, Name: "Dr. Rao", Specialization: "Cardiology", DoctorQRID: "DOC-AB12CD"}
	patient := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Asha", Phone: "9876543210"}
	other := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Ravi", DoctorQRID: "DOC-ZZZZZZ"}

	shared := document.NewDocument(patient.ID, patient.ID, document.DocumentTypeLabReport, "CBC")
	shared.ShareWith([]types.ID{doctor.ID})
	private := document.NewDocument(patient.ID, patient.ID, document.DocumentTypeLabReport, "Private")

	appt := appointment.NewOPD(patient.ID, &doctor.ID, "Chest pain", "", time.Now())
	appt.TokenNumber = 4

	f := &fixture{
		links:     &memLinks{},
		notifier:  &recordingNotifier{},
		bus:       &events.Recorder{},
		doctor:    doctor,
		patient:   patient,
		other:     other,
		sharedDoc: shared,
	}
	users := memUsers{doctor.ID: doctor, patient.ID: patient, other.ID: other}
	f.service = NewService(f.links, users, fakeDocs{shared, private}, fakeAppts{appt})
	f.router = NewHandler(f.service, f.notifier, f.bus, zap.NewNop()).Routes()
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

func TestDoctorByQR(t *testing.T) {
	f := newFixture()

	w := f.do(f.patient, http.MethodGet, "/doctor/qr/doc-ab12cd", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Dr. Rao", body["name"])
	assert.Equal(t, false, body["is_connected"])

	w = f.do(f.patient, http.MethodGet, "/doctor/qr/DOC-ZZZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "QR id of a non-doctor")
	assert.Equal(t, "Doctor not found", decode(t, w)["error"])

	w = f.do(f.patient, http.MethodGet, "/doctor/qr/DOC-000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(f.doctor, http.MethodGet, "/doctor/qr/DOC-AB12CD", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestLinkLifecycle(t *testing.T) {
	f := newFixture()

	w := f.do(f.patient, http.MethodPost, "/doctor/link", LinkRequest{DoctorQRID: "doc-ab12cd"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "Successfully connected to doctor", body["message"])
	assert.Equal(t, "Cardiology", body["doctor"].(map[string]any)["specialization"])
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, f.doctor.ID, f.notifier.msgs[0].RecipientID)

	w = f.do(f.patient, http.MethodPost, "/doctor/link", LinkRequest{DoctorQRID: "DOC-AB12CD"})
	require.Equal(t, http.StatusConflict, w.Code)
	body = decode(t, w)
	assert.Equal(t, "Already connected to this doctor", body["error"])
	assert.Equal(t, true, body["is_connected"])

	w = f.do(f.patient, http.MethodGet, "/doctor/qr/DOC-AB12CD", nil)
	assert.Equal(t, true, decode(t, w)["is_connected"])

	w = f.do(f.patient, http.MethodDelete, "/patient/doctors/"+f.doctor.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	ok, _ := f.links.IsActiveLink(context.Background(), f.doctor.ID, f.patient.ID)
	assert.False(t, ok)

	w = f.do(f.patient, http.MethodDelete, "/patient/doctors/"+f.doctor.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "already inactive")

	w = f.do(f.patient, http.MethodPost, "/doctor/link", LinkRequest{DoctorQRID: "DOC-AB12CD"})
	require.Equal(t, http.StatusOK, w.Code, "inactive link is reactivated")
	assert.Len(t, f.links.links, 1)
	assert.True(t, f.links.links[0].IsActive())

	assert.Equal(t, []string{"careteam.linked", "careteam.unlinked", "careteam.linked"}, f.bus.Types())

	w = f.do(f.patient, http.MethodPost, "/doctor/link", LinkRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListings(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.doctor.ID, f.patient.ID)))

	w := f.do(f.patient, http.MethodGet, "/patient/doctors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cards []user.PublicCard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cards))
	require.Len(t, cards, 1)
	assert.Equal(t, "DOC-AB12CD", cards[0].DoctorQRID)

	w = f.do(f.doctor, http.MethodGet, "/doctor/patients", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var patients []user.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &patients))
	require.Len(t, patients, 1)
	assert.Equal(t, "Asha", patients[0].Name)

	w = f.do(f.patient, http.MethodGet, "/patient/appointments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var appts []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &appts))
	require.Len(t, appts, 1)
	assert.Equal(t, float64(4), appts[0]["token_number"])
	assert.Equal(t, "Dr. Rao", appts[0]["doctor"].(map[string]any)["name"])
}

func TestPatientDetails(t *testing.T) {
	f := newFixture()
	path := "/doctor/patient/" + f.patient.ID.String()

	w := f.do(f.doctor, http.MethodGet, path, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Not connected to this patient", decode(t, w)["error"])

	require.NoError(t, f.links.Create(context.Background(), NewLink(f.doctor.ID, f.patient.ID)))

	w = f.do(f.doctor, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var record struct {
		Patient      user.User                 `json:"patient"`
		Documents    []document.Document       `json:"documents"`
		Appointments []appointment.Appointment `json:"appointments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, f.patient.ID, record.Patient.ID)
	require.Len(t, record.Documents, 1, "only the shared document")
	assert.Equal(t, f.sharedDoc.ID, record.Documents[0].ID)
	assert.Len(t, record.Appointments, 1)

	w = f.do(f.patient, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPatientRecordMissingPatient(t *testing.T) {
	f := newFixture()
	ghost := types.NewID()
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.doctor.ID, ghost)))

	_, err := f.service.PatientRecord(context.Background(), f.doctor.ID, ghost)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}
