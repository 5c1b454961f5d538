package family

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/healthnexus/platform/internal/appointment"
	"github.com/healthnexus/platform/internal/document"
	"github.com/healthnexus/platform/internal/notification"
	"github.com/healthnexus/platform/internal/shared/auth"
	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/events"
	"github.com/healthnexus/platform/internal/shared/httpx"
	"github.com/healthnexus/platform/internal/shared/metrics"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/healthnexus/platform/internal/user"
	"go.uber.org/zap"
)

// Store is the family link persistence; *Repository implements it.
type Store interface {
	Create(ctx context.Context, l *Link) error
	Update(ctx context.Context, l *Link) error
	Delete(ctx context.Context, id types.ID) error
	FindDirected(ctx context.Context, userID, memberID types.ID) (*Link, error)
	FindBetween(ctx context.Context, a, b types.ID) (*Link, error)
	IsActiveBetween(ctx context.Context, a, b types.ID) (bool, error)
	ListActive(ctx context.Context, userID types.ID) ([]*Link, error)
}

var _ Store = (*Repository)(nil)

// Users looks up accounts; *user.Repository implements it.
type Users interface {
	FindByID(ctx context.Context, id types.ID) (*user.User, error)
	FindByPhone(ctx context.Context, phone string) (*user.User, error)
}

// Documents lists what a patient sees of their own documents
type Documents interface {
	ForPatient(ctx context.Context, patientID types.ID) ([]*document.Document, error)
}

// Appointments lists a patient's appointments
type Appointments interface {
	ListByPatient(ctx context.Context, patientID types.ID) ([]*appointment.Appointment, error)
}

// Gate proves control of a phone number
type Gate interface {
	Check(ctx context.Context, phone, idToken, otp string) error
}

// Notifier delivers user notifications
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message) error
}

// Handler serves /family
type Handler struct {
	links               Store
	users               Users
	docs                Documents
	appts               Appointments
	gate                Gate
	notifier            Notifier
	bus                 events.Publisher
	log                 *zap.Logger
	requireVerification bool
}

// NewHandler creates a new family handler. With requireVerification new
// links stay pending until the member verifies them.
func NewHandler(links Store, users Users, docs Documents, appts Appointments, gate Gate, notifier Notifier, bus events.Publisher, log *zap.Logger, requireVerification bool) *Handler {
	return &Handler{
		links:               links,
		users:               users,
		docs:                docs,
		appts:               appts,
		gate:                gate,
		notifier:            notifier,
		bus:                 bus,
		log:                 log.Named("family"),
		requireVerification: requireVerification,
	}
}

// Routes registers the family routes; callers mount it behind auth.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/add", h.AddMember)
	r.Post("/verify", h.VerifyLink)
	r.Get("/list", h.ListMembers)
	r.Get("/{memberID}", h.MemberDetails)
	r.Delete("/{memberID}", h.RemoveMember)

	return r
}

// AddRequest invites a member by phone
type AddRequest struct {
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

// AddMember links the caller to the account registered under a phone
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req AddRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		httpx.Error(w, errors.BadRequest("phone is required"))
		return
	}

	member, err := h.findMember(r.Context(), req.Phone)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	if member.ID == caller.ID {
		httpx.Error(w, errors.BadRequest("Cannot add yourself."))
		return
	}

	existing, err := h.links.FindBetween(r.Context(), caller.ID, member.ID)
	switch {
	case err == nil && existing.IsActive():
		httpx.Error(w, errors.Conflict("Already connected."))
		return
	case err == nil:
		existing.Touch()
		if err := h.links.Update(r.Context(), existing); err != nil {
			httpx.Fail(w, r, h.log, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{
			"message": "Link request sent (updated timestamp).",
			"link_id": existing.ID,
			"link":    existing,
		})
		return
	case !errors.IsNotFound(err):
		httpx.Fail(w, r, h.log, err)
		return
	}

	link := NewLink(caller.ID, member.ID, req.Relation, h.requireVerification)
	if err := h.links.Create(r.Context(), link); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordLinkChange("family", string(link.Status))
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("family.linked", "family", map[string]any{
		"link_id":   link.ID,
		"user_id":   link.UserID,
		"member_id": link.FamilyMemberID,
		"relation":  link.Relation,
		"status":    link.Status,
	}).WithActor(caller.ID, caller.Role))

	body := "You were added as a family member and can now view each other's records"
	message := "Family member connected successfully."
	if !link.IsActive() {
		body = "You were invited as a family member. Verify with your phone to accept"
		message = "Link request sent."
	}
	h.notify(r.Context(), notification.Message{
		RecipientID: member.ID,
		Phone:       member.Phone,
		Subject:     "Family link",
		Body:        body,
		Data:        map[string]any{"link_id": link.ID.String(), "user_id": caller.ID.String()},
	})

	h.log.Info("family link created",
		zap.String("link_id", link.ID.String()),
		zap.String("status", string(link.Status)),
	)

	httpx.JSON(w, http.StatusOK, map[string]any{
		"message": message,
		"link_id": link.ID,
		"link":    link,
	})
}

// VerifyRequest confirms a pending link with the member's phone OTP
type VerifyRequest struct {
	Phone         string `json:"phone"`
	FirebaseToken string `json:"firebaseToken"`
	OTP           string `json:"otp"`
}

// VerifyLink activates the caller's pending link to the member whose phone
// was verified
func (h *Handler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	var req VerifyRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, err)
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		httpx.Error(w, errors.BadRequest("phone is required"))
		return
	}

	if err := h.gate.Check(r.Context(), req.Phone, req.FirebaseToken, req.OTP); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	member, err := h.findMember(r.Context(), req.Phone)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	link, err := h.links.FindDirected(r.Context(), caller.ID, member.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpx.Error(w, errors.NotFoundMessage("No pending link found. Are you the recipient of the invite?"))
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}
	if link.IsActive() {
		httpx.JSON(w, http.StatusOK, map[string]any{"message": "Link already active.", "link": link})
		return
	}

	link.Verify()
	if err := h.links.Update(r.Context(), link); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordLinkChange("family", string(link.Status))
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("family.verified", "family", map[string]any{
		"link_id":   link.ID,
		"user_id":   link.UserID,
		"member_id": link.FamilyMemberID,
	}).WithActor(caller.ID, caller.Role))
	h.notify(r.Context(), notification.Message{
		RecipientID: member.ID,
		Subject:     "Family link verified",
		Body:        "You are now connected as family and can view each other's records",
		Data:        map[string]any{"link_id": link.ID.String()},
	})

	httpx.JSON(w, http.StatusOK, map[string]any{"message": "Family link verified successfully.", "link": link})
}

// Member is a linked family member as listed to the caller
type Member struct {
	user.Summary
	Relation    string   `json:"relation"`
	LinkID      types.ID `json:"linkId"`
	IsInitiator bool     `json:"isInitiator"`
}

// ListMembers lists the caller's active family members in both directions
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	links, err := h.links.ListActive(r.Context(), caller.ID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	members := make([]Member, 0, len(links))
	seen := make(map[types.ID]bool, len(links))
	for _, l := range links {
		otherID := l.Other(caller.ID)
		if seen[otherID] {
			continue
		}
		seen[otherID] = true

		u, err := h.users.FindByID(r.Context(), otherID)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			httpx.Fail(w, r, h.log, err)
			return
		}

		relation := l.Relation
		if relation == "" {
			relation = defaultListRelation
		}
		members = append(members, Member{
			Summary:     u.Summary(),
			Relation:    relation,
			LinkID:      l.ID,
			IsInitiator: l.UserID == otherID,
		})
	}

	httpx.JSON(w, http.StatusOK, members)
}

// MemberRecord is what a family member sees about another
type MemberRecord struct {
	Member       user.Summary               `json:"member"`
	Documents    []*document.Document       `json:"documents"`
	Appointments []*appointment.Appointment `json:"appointments"`
	Relation     string                     `json:"relation"`
}

// MemberDetails returns an actively linked member's profile and records
func (h *Handler) MemberDetails(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	memberID, err := types.ParseID(chi.URLParam(r, "memberID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid member id"))
		return
	}

	link, err := h.links.FindBetween(r.Context(), caller.ID, memberID)
	if err != nil && !errors.IsNotFound(err) {
		httpx.Fail(w, r, h.log, err)
		return
	}
	if link == nil || !link.IsActive() {
		httpx.Error(w, errors.Forbidden("Not connected to this member."))
		return
	}

	member, err := h.users.FindByID(r.Context(), memberID)
	if err != nil {
		if errors.IsNotFound(err) {
			httpx.Error(w, errors.NotFoundMessage("Member not found."))
			return
		}
		httpx.Fail(w, r, h.log, err)
		return
	}

	docs, err := h.docs.ForPatient(r.Context(), memberID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	appts, err := h.appts.ListByPatient(r.Context(), memberID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	relation := link.Relation
	if relation == "" {
		relation = defaultListRelation
	}
	httpx.JSON(w, http.StatusOK, MemberRecord{
		Member:       member.Summary(),
		Documents:    docs,
		Appointments: appts,
		Relation:     relation,
	})
}

// RemoveMember deletes the link with a member, whichever side created it
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	caller := auth.GetUser(r.Context())

	memberID, err := types.ParseID(chi.URLParam(r, "memberID"))
	if err != nil {
		httpx.Error(w, errors.BadRequest("invalid member id"))
		return
	}

	link, err := h.links.FindBetween(r.Context(), caller.ID, memberID)
	if err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}
	if err := h.links.Delete(r.Context(), link.ID); err != nil {
		httpx.Fail(w, r, h.log, err)
		return
	}

	metrics.RecordLinkChange("family", "removed")
	events.Emit(r.Context(), h.bus, h.log, events.NewEvent("family.removed", "family", map[string]any{
		"link_id":   link.ID,
		"user_id":   link.UserID,
		"member_id": link.FamilyMemberID,
	}).WithActor(caller.ID, caller.Role))

	httpx.JSON(w, http.StatusOK, map[string]string{"message": "Family member removed successfully."})
}

func (h *Handler) findMember(ctx context.Context, phone string) (*user.User, error) {
	u, err := h.users.FindByPhone(ctx, phone)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFoundMessage("User not found.")
		}
		return nil, err
	}
	return u, nil
}

func (h *Handler) notify(ctx context.Context, msg notification.Message) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, msg); err != nil {
		h.log.Warn("failed to queue notification", zap.String("recipient_id", msg.RecipientID.String()), zap.Error(err))
	}
}
