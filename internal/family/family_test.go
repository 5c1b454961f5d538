package family

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
		if x.UserID == l.UserID && x.FamilyMemberID == l.FamilyMemberID {
			return errors.Conflict("Already connected.")
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
	return errors.NotFound("family link", l.ID.String())
}

func (s *memLinks) Delete(ctx context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.links {
		if x.ID == id {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return nil
		}
	}
	return errors.NotFoundMessage("Link not found.")
}

func (s *memLinks) FindDirected(ctx context.Context, userID, memberID types.ID) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.links {
		if x.UserID == userID && x.FamilyMemberID == memberID {
			c := *x
			return &c, nil
		}
	}
	return nil, errors.NotFoundMessage("Link not found.")
}

func (s *memLinks) FindBetween(ctx context.Context, a, b types.ID) (*Link, error) {
	if l, err := s.FindDirected(ctx, a, b); err == nil {
		return l, nil
	}
	return s.FindDirected(ctx, b, a)
}

func (s *memLinks) IsActiveBetween(ctx context.Context, a, b types.ID) (bool, error) {
	l, err := s.FindBetween(ctx, a, b)
	if err != nil {
		return false, nil
	}
	return l.IsActive(), nil
}

func (s *memLinks) ListActive(ctx context.Context, userID types.ID) ([]*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Link{}
	for _, x := range s.links {
		if x.IsActive() && (x.UserID == userID || x.FamilyMemberID == userID) {
			c := *x
			out = append(out, &c)
		}
	}
	return out, nil
}

type memUsers map[types.ID]*user.User

func (m memUsers) FindByID(ctx context.Context, id types.ID) (*user.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, errors.NotFoundMessage("User not found")
}

func (m memUsers) FindByPhone(ctx context.Context, phone string) (*user.User, error) {
	for _, u := range m {
		if types.NormalizePhone(u.Phone) == types.NormalizePhone(phone) {
			return u, nil
		}
	}
	return nil, errors.NotFoundMessage("User not found")
}

type fakeDocs []*document.Document

func (f fakeDocs) ForPatient(ctx context.Context, patientID types.ID) ([]*document.Document, error) {
	out := []*document.Document{}
	for _, d := range f {
		if d.PatientID == patientID && document.VisibleToPatient(d) {
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

type fakeGate struct {
	err    error
	calls  int
	phones []string
}

func (g *fakeGate) Check(ctx context.Context, phone, idToken, otp string) error {
	g.calls++
	g.phones = append(g.phones, phone)
	return g.err
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
	gate     *fakeGate
	notifier *recordingNotifier
	bus      *events.Recorder
	router   chi.Router

	asha  *user.User
	ravi  *user.User
	meena *user.User
}

func newFixture(requireVerification bool) *fixture {
	asha := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Asha", Phone: "9876543210"}
	ravi := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Ravi", Phone: "+91 91234 56789"}
	meena := &user.User{ID: types.NewID(), Role: auth.RolePatient, Name: "Meena", Phone: "9000000001"}

	visible := document.NewDocument(ravi.ID, ravi.ID, document.DocumentTypeLabReport, "Lipid panel")
	hidden := document.NewDocument(ravi.ID, types.NewID(), document.DocumentTypePrescription, "Old prescription")
	hidden.ExtractedData.HiddenForPatient = true
	appt := appointment.NewOPD(ravi.ID, nil, "Fever", "", time.Now())

	f := &fixture{
		links:    &memLinks{},
		gate:     &fakeGate{},
		notifier: &recordingNotifier{},
		bus:      &events.Recorder{},
		asha:     asha,
		ravi:     ravi,
		meena:    meena,
	}
	users := memUsers{asha.ID: asha, ravi.ID: ravi, meena.ID: meena}
	f.router = NewHandler(f.links, users, fakeDocs{visible, hidden}, fakeAppts{appt}, f.gate, f.notifier, f.bus, zap.NewNop(), requireVerification).Routes()
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

func TestNewLink(t *testing.T) {
	a, b := types.NewID(), types.NewID()

	l := NewLink(a, b, "  ", false)
	assert.Equal(t, "family", l.Relation)
	assert.True(t, l.IsActive())
	assert.NotNil(t, l.VerifiedAt)
	assert.Equal(t, b, l.Other(a))
	assert.Equal(t, a, l.Other(b))

	l = NewLink(a, b, "Mother", true)
	assert.Equal(t, "Mother", l.Relation)
	assert.False(t, l.IsActive())
	assert.Nil(t, l.VerifiedAt)
}

func TestAddMember(t *testing.T) {
	t.Run("connects immediately", func(t *testing.T) {
		f := newFixture(false)

		w := f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: "9123456789", Relation: "Brother"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "Family member connected successfully.", body["message"])
		assert.NotEmpty(t, body["link_id"])

		require.Len(t, f.links.links, 1)
		assert.True(t, f.links.links[0].IsActive())
		assert.Equal(t, f.ravi.ID, f.links.links[0].FamilyMemberID)
		require.Len(t, f.notifier.msgs, 1)
		assert.Equal(t, f.ravi.ID, f.notifier.msgs[0].RecipientID)
		assert.Equal(t, []string{"family.linked"}, f.bus.Types())

		w = f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: "9123456789"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "Already connected.", decode(t, w)["error"])

		w = f.do(f.ravi, http.MethodPost, "/add", AddRequest{Phone: "9876543210"})
		assert.Equal(t, http.StatusConflict, w.Code, "reverse direction is the same link")
	})

	t.Run("pending request is refreshed", func(t *testing.T) {
		f := newFixture(true)

		w := f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: "9123456789"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Link request sent.", decode(t, w)["message"])
		require.Len(t, f.links.links, 1)
		assert.False(t, f.links.links[0].IsActive())

		w = f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: "9123456789"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Link request sent (updated timestamp).", decode(t, w)["message"])
		assert.Len(t, f.links.links, 1)
	})

	t.Run("reverse pending request is refreshed", func(t *testing.T) {
		f := newFixture(true)

		w := f.do(f.ravi, http.MethodPost, "/add", AddRequest{Phone: "9876543210"})
		require.Equal(t, http.StatusOK, w.Code)

		w = f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: "9123456789"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "Link request sent (updated timestamp).", decode(t, w)["message"])
		require.Len(t, f.links.links, 1, "a pair of users has one link")
		assert.Equal(t, f.ravi.ID, f.links.links[0].UserID)
		assert.False(t, f.links.links[0].IsActive())
	})

	t.Run("rejections", func(t *testing.T) {
		f := newFixture(false)

		tests := []struct {
			name    string
			req     AddRequest
			status  int
			message string
		}{
			{"missing phone", AddRequest{}, http.StatusBadRequest, "phone is required"},
			{"unknown phone", AddRequest{Phone: "9999999999"}, http.StatusNotFound, "User not found."},
			{"self", AddRequest{Phone: "+91-98765-43210"}, http.StatusBadRequest, "Cannot add yourself."},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(f.asha, http.MethodPost, "/add", tt.req)
				assert.Equal(t, tt.status, w.Code)
				assert.Equal(t, tt.message, decode(t, w)["error"])
			})
		}
		assert.Empty(t, f.links.links)
	})
}

func TestVerifyLink(t *testing.T) {
	f := newFixture(true)
	require.Equal(t, http.StatusOK, f.do(f.asha, http.MethodPost, "/add", AddRequest{Phone: f.ravi.Phone}).Code)

	// the link runs asha -> ravi, so ravi has nothing to confirm against asha
	w := f.do(f.ravi, http.MethodPost, "/verify", VerifyRequest{Phone: f.asha.Phone, OTP: "123456"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "No pending link found. Are you the recipient of the invite?", decode(t, w)["error"])

	f.gate.err = errors.Unauthorized("Invalid Firebase Token")
	w = f.do(f.asha, http.MethodPost, "/verify", VerifyRequest{Phone: f.ravi.Phone, FirebaseToken: "bad"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, f.links.links[0].IsActive())

	f.gate.err = nil
	f.gate.phones = nil
	w = f.do(f.asha, http.MethodPost, "/verify", VerifyRequest{Phone: f.ravi.Phone, FirebaseToken: "token"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Family link verified successfully.", decode(t, w)["message"])
	assert.Equal(t, []string{f.ravi.Phone}, f.gate.phones, "the member's phone is verified")
	assert.True(t, f.links.links[0].IsActive())
	assert.NotNil(t, f.links.links[0].VerifiedAt)

	w = f.do(f.asha, http.MethodPost, "/verify", VerifyRequest{Phone: f.ravi.Phone, OTP: "123456"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Link already active.", decode(t, w)["message"])

	w = f.do(f.asha, http.MethodPost, "/verify", VerifyRequest{Phone: "9999999999", OTP: "123456"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{"family.linked", "family.verified"}, f.bus.Types())
}

func TestListMembers(t *testing.T) {
	f := newFixture(false)
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.asha.ID, f.ravi.ID, "Brother", false)))
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.meena.ID, f.asha.ID, "", false)))
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.ravi.ID, f.meena.ID, "Cousin", true)))

	w := f.do(f.asha, http.MethodGet, "/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var members []Member
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	require.Len(t, members, 2)

	byName := map[string]Member{}
	for _, m := range members {
		byName[m.Name] = m
	}
	assert.Equal(t, "Brother", byName["Ravi"].Relation)
	assert.False(t, byName["Ravi"].IsInitiator)
	assert.Equal(t, "family", byName["Meena"].Relation)
	assert.True(t, byName["Meena"].IsInitiator)

	w = f.do(f.meena, http.MethodGet, "/list", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	require.Len(t, members, 1, "pending links are not listed")
	assert.Equal(t, "Asha", members[0].Name)
}

func TestMemberDetails(t *testing.T) {
	f := newFixture(false)
	path := "/" + f.ravi.ID.String()

	w := f.do(f.asha, http.MethodGet, path, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Not connected to this member.", decode(t, w)["error"])

	require.NoError(t, f.links.Create(context.Background(), NewLink(f.ravi.ID, f.asha.ID, "Brother", false)))

	w = f.do(f.asha, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var record struct {
		Member       user.Summary              `json:"member"`
		Documents    []document.Document       `json:"documents"`
		Appointments []appointment.Appointment `json:"appointments"`
		Relation     string                    `json:"relation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	assert.Equal(t, "Ravi", record.Member.Name)
	require.Len(t, record.Documents, 1, "hidden documents are excluded")
	assert.Equal(t, "Lipid panel", record.Documents[0].Title)
	assert.Len(t, record.Appointments, 1)
	assert.Equal(t, "Brother", record.Relation)

	w = f.do(f.asha, http.MethodGet, "/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(false)
	require.NoError(t, f.links.Create(context.Background(), NewLink(f.ravi.ID, f.asha.ID, "Brother", false)))

	w := f.do(f.asha, http.MethodDelete, "/"+f.ravi.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Family member removed successfully.", decode(t, w)["message"])
	assert.Empty(t, f.links.links)

	w = f.do(f.asha, http.MethodDelete, "/"+f.ravi.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Link not found.", decode(t, w)["error"])

	assert.Equal(t, []string{"family.removed"}, f.bus.Types())
}
