package user

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/identity"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/logger"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/session"
	"github.com/healthnexus/platform/internal/shared/types"
	"go.uber.org/zap"
)

// Store is the persistence the user handlers need; *Repository implements it.
type Store interface {
	Create(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id types.ID) error
	FindByID(ctx context.Context, id types.ID) (*User, error)
	FindByPhone(ctx context.Context, phone string) (*User, error)
	QRIDExists(ctx context.Context, qrID string) (bool, error)
}

var _ Store = (*Repository)(nil)

// FileCleaner removes stored blobs that belong to a user before the account is deleted
type FileCleaner interface {
	PurgePatientFiles(ctx context.Context, patientID types.ID) error
}

// Handler serves /auth and /profile
type Handler struct {
	store       Store
	issuer      *auth.Issuer
	sessions    session.Store
	gate        *identity.Gate
	files       FileCleaner
	bus         events.Publisher
	log         *zap.Logger
	directLogin bool
	now         func() time.Time
}

// NewHandler creates a new user handler
func NewHandler(store Store, issuer *auth.Issuer, sessions session.Store, gate *identity.Gate, bus events.Publisher, log *zap.Logger, directLogin bool) *Handler {
	return &Handler{
		store:       store,
		issuer:      issuer,
		sessions:    sessions,
		gate:        gate,
		bus:         bus,
		log:         log.Named("user"),
		directLogin: directLogin,
		now:         time.Now,
	}
}

// SetFileCleaner wires blob cleanup for account deletion
func (h *Handler) SetFileCleaner(files FileCleaner) {
	h.files = files
}

// AuthRoutes registers the /auth routes
func (h *Handler) AuthRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/otp/send", h.SendOTP)
	r.Post("/otp/verify", h.VerifyOTP)
	r.Post("/register", h.Register)
	r.Post("/refresh", h.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.issuer))
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})

	return r
}

// ProfileRoutes registers the /profile routes
func (h *Handler) ProfileRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware(h.issuer))

	r.Post("/update", h.UpdateProfile)
	r.Delete("/delete", h.DeleteProfile)
	r.With(auth.RequireRoles(auth.RoleDoctor)).Get("/qr", h.DoctorQR)

	return r
}

// SendOTPRequest starts a login
type SendOTPRequest struct {
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

// VerifyOTPRequest completes a login
type VerifyOTPRequest struct {
	Phone         string `json:"phone"`
	FirebaseToken string `json:"firebaseToken"`
	OTP           string `json:"otp"`
	Role          string `json:"role"`
}

// RegisterRequest creates an account
type RegisterRequest struct {
	Phone          string         `json:"phone"`
	FirebaseToken  string         `json:"firebaseToken"`
	OTP            string         `json:"otp"`
	Role           string         `json:"role"`
	Name           string         `json:"name"`
	Age            flexInt        `json:"age"`
	DOB            string         `json:"dob"`
	Email          string         `json:"email"`
	Gender         string         `json:"gender"`
	BloodGroup     string         `json:"blood_group"`
	Height         string         `json:"height"`
	Weight         string         `json:"weight"`
	MaritalStatus  string         `json:"marital_status"`
	AddressCity    string         `json:"address_city"`
	AddressState   string         `json:"address_state"`
	Specialization string         `json:"specialization"`
	HospitalName   string         `json:"hospital_name"`
	MedicalHistory MedicalHistory `json:"medical_history"`
	Lifestyle      Lifestyle      `json:"lifestyle"`
}

// RefreshRequest exchanges a refresh token for a new pair
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// LoginResponse is the envelope returned by every token-issuing endpoint
type LoginResponse struct {
	Message      string `json:"message"`
	IsNew        bool   `json:"isNew"`
	OTPRequired  bool   `json:"otpRequired,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// flexInt accepts both 42 and "42"; the web form sends age as a string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// SendOTP logs an existing user in directly when enabled, otherwise tells the
// client whether to continue with OTP or registration.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		httpx.Error(w, errors.BadRequest("Phone number is required"))
		return
	}

	u, err := h.store.FindByPhone(r.Context(), req.Phone)
	if err != nil {
		if errors.IsNotFound(err) {
			httpx.JSON(w, http.StatusOK, LoginResponse{Message: "User not found", IsNew: true})
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}

	if !h.directLogin {
		httpx.JSON(w, http.StatusOK, LoginResponse{Message: "OTP required", OTPRequired: true})
		return
	}

	// Direct login trusts the stored role; the portal is chosen from it.
	resp, err := h.login(r.Context(), u, "Direct Login Successful")
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	metrics.RecordLogin("direct", true)
	httpx.JSON(w, http.StatusOK, resp)
}

// VerifyOTP checks the identity proof and logs the user in
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		httpx.Error(w, errors.BadRequest("Phone number is required"))
		return
	}

	if err := h.gate.Check(r.Context(), req.Phone, req.FirebaseToken, req.OTP); err != nil {
		metrics.RecordLogin("otp", false)
		httpx.Error(w, err)
		return
	}

	u, err := h.store.FindByPhone(r.Context(), req.Phone)
	if err != nil {
		if errors.IsNotFound(err) {
			httpx.Error(w, errors.NotFoundMessage("User not found. Please register.").WithDetail("isNewUser", true))
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}

	if err := checkPortal(u, req.Role); err != nil {
		metrics.RecordLogin("otp", false)
		httpx.Error(w, err)
		return
	}

	resp, err := h.login(r.Context(), u, "Login Successful")
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	metrics.RecordLogin("otp", true)
	httpx.JSON(w, http.StatusOK, resp)
}

// Register creates a patient or doctor account and logs it in
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		httpx.Error(w, errors.BadRequest("Phone number is required"))
		return
	}
	if req.Role != "" && !auth.ValidRole(req.Role) {
		httpx.Error(w, errors.BadRequest("Invalid role"))
		return
	}

	if err := h.gate.Check(r.Context(), req.Phone, req.FirebaseToken, req.OTP); err != nil {
		httpx.Error(w, err)
		return
	}

	if _, err := h.store.FindByPhone(r.Context(), req.Phone); err == nil {
		httpx.Error(w, errors.Conflict("User already exists"))
		return
	} else if !errors.IsNotFound(err) {
		httpx.Fail(w, r, h.log, err)
		return
	}

	u := h.newUser(req)
	if u.IsDoctor() {
		qrID, err := uniqueQRID(r.Context(), h.store)
		if err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		u.DoctorQRID = qrID
	}

	if err := h.store.Create(r.Context(), u); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	h.log.Info("user registered",
		zap.String("user_id", u.ID.String()),
		zap.String("role", u.Role),
		zap.String("phone", logger.MaskPhone(u.Phone)),
	)
	metrics.RecordUserRegistered(u.Role)
	events.Emit(r.Context(), h.bus, h.log,
		events.NewEvent("user.registered", "user", map[string]any{
			"user_id": u.ID,
			"role":    u.Role,
		}).WithActor(u.ID, u.Role))

	resp, err := h.login(r.Context(), u, "User registered successfully")
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

// Refresh rotates the refresh token
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if req.RefreshToken == "" {
		httpx.Error(w, errors.Unauthorized("Refresh token required"))
		return
	}

	invalid := errors.Forbidden("Invalid refresh token")

	claims, err := h.issuer.ParseRefresh(req.RefreshToken)
	if err != nil {
		metrics.RecordLogin("refresh", false)
		httpx.Error(w, invalid)
		return
	}
	userID := types.ID(claims.UserID)

	ok, err := h.sessions.Matches(r.Context(), userID, req.RefreshToken)
	if err != nil {
		httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to check session"))
		return
	}
	if !ok {
		metrics.RecordLogin("refresh", false)
		httpx.Error(w, invalid)
		return
	}

	u, err := h.store.FindByID(r.Context(), userID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpx.Error(w, invalid)
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}

	pair, err := h.issue(r.Context(), u)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	metrics.RecordLogin("refresh", true)
	httpx.JSON(w, http.StatusOK, pair)
}

// Logout revokes the caller's refresh token
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())
	if err := h.sessions.Revoke(r.Context(), caller.ID); err != nil {
		httpx.Fail(w, r, h.log, errors.Wrap(err, "failed to revoke session"))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Me returns the caller, repairing stale phone_normalized and missing doctor QR ids
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	u, err := h.store.FindByID(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	changed := false
	if u.phoneStale() {
		u.PhoneNormalized = types.NormalizePhone(u.Phone)
		changed = true
	}
	if u.IsDoctor() && u.DoctorQRID == "" {
		qrID, err := uniqueQRID(r.Context(), h.store)
		if err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		u.DoctorQRID = qrID
		changed = true
	}

	if changed {
		u.UpdatedAt = h.now().UTC()
		if err := h.store.Update(r.Context(), u); err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		h.log.Info("user record repaired on read", zap.String("user_id", u.ID.String()))
	}

	httpx.JSON(w, http.StatusOK, u)
}

func (h *Handler) newUser(req RegisterRequest) *User {
	now := h.now().UTC()

	role := req.Role
	if role == "" {
		role = auth.RolePatient
	}

	dob := strings.TrimSpace(req.DOB)
	if dob == "" && req.Age > 0 {
		dob = DOBFromAge(int(req.Age), now)
	}

	u := &User{
		ID:              types.NewID(),
		Phone:           req.Phone,
		PhoneNormalized: types.NormalizePhone(req.Phone),
		Role:            role,
		Name:            orDefault(req.Name, defaultName),
		Email:           strings.TrimSpace(req.Email),
		DOB:             dob,
		Gender:          orDefault(req.Gender, defaultGender),
		BloodGroup:      orDefault(req.BloodGroup, defaultBloodGroup),
		Height:          req.Height,
		Weight:          req.Weight,
		MaritalStatus:   req.MaritalStatus,
		AddressCity:     req.AddressCity,
		AddressState:    req.AddressState,
		MedicalHistory:  req.MedicalHistory,
		Lifestyle:       req.Lifestyle,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if u.IsDoctor() {
		u.Specialization = orDefault(req.Specialization, defaultSpecialization)
		u.HospitalName = orDefault(req.HospitalName, defaultHospital)
	}
	return u
}

// login issues a token pair and wraps it in the login envelope
func (h *Handler) login(ctx context.Context, u *User, message string) (LoginResponse, error) {
	pair, err := h.issue(ctx, u)
	if err != nil {
		return LoginResponse{}, err
	}
	return LoginResponse{
		Message:      message,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         u,
	}, nil
}

// issue signs a new pair and makes its refresh token the only valid one
func (h *Handler) issue(ctx context.Context, u *User) (auth.TokenPair, error) {
	pair, err := h.issuer.Issue(u.ID, u.Phone, u.Role)
	if err != nil {
		return auth.TokenPair{}, errors.Wrap(err, "failed to issue tokens")
	}
	if err := h.sessions.Save(ctx, u.ID, pair.RefreshToken, h.issuer.RefreshTTL()); err != nil {
		return auth.TokenPair{}, errors.Wrap(err, "failed to store session")
	}
	return pair, nil
}

func checkPortal(u *User, requested string) error {
	if requested == "" || requested == u.Role {
		return nil
	}
	return errors.Forbidden("Registered as " + u.Role + ". Please switch portals.")
}

type qrChecker interface {
	QRIDExists(ctx context.Context, qrID string) (bool, error)
}

const maxQRAttempts = 10

func uniqueQRID(ctx context.Context, store qrChecker) (string, error) {
	for i := 0; i < maxQRAttempts; i++ {
		qrID, err := NewQRID()
		if err != nil {
			return "", errors.Wrap(err, "failed to generate QR id")
		}
		exists, err := store.QRIDExists(ctx, qrID)
		if err != nil {
			return "", err
		}
		if !exists {
			return qrID, nil
		}
	}
	return "", errors.Internal(errors.ErrConflict)
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func decodeSection(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.BadRequest("data is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.BadRequest("invalid profile data")
	}
	return nil
}
