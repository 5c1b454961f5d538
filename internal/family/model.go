package family

import (
	"strings"
	"time"

	"github.com/healthnexus/platform/internal/shared/types"
)

const (
	defaultRelation     = "family"
	defaultListRelation = "Family"
)

// LinkStatus is the state of a family link
type LinkStatus string

const (
	LinkStatusPending LinkStatus = "pending"
	LinkStatusActive  LinkStatus = "active"
)

// Link connects an initiating user to a family member. Once active it grants
// both sides access to each other's records.
type Link struct {
	ID             types.ID   `json:"id"`
	UserID         types.ID   `json:"user_id"`
	FamilyMemberID types.ID   `json:"family_member_id"`
	Relation       string     `json:"relation"`
	Status         LinkStatus `json:"status"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewLink creates a link from userID to memberID. Without verification the
// link is active immediately.
func NewLink(userID, memberID types.ID, relation string, requireVerification bool) *Link {
	now := time.Now().UTC()
	relation = strings.TrimSpace(relation)
	if relation == "" {
		relation = defaultRelation
	}

	l := &Link{
		ID:             types.NewID(),
		UserID:         userID,
		FamilyMemberID: memberID,
		Relation:       relation,
		Status:         LinkStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !requireVerification {
		l.Verify()
	}
	return l
}

func (l *Link) IsActive() bool {
	return l.Status == LinkStatusActive
}

// Verify activates the link
func (l *Link) Verify() {
	now := time.Now().UTC()
	l.Status = LinkStatusActive
	l.VerifiedAt = &now
	l.UpdatedAt = now
}

// Touch refreshes a pending request
func (l *Link) Touch() {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
}

// Other returns the side of the link that is not userID
func (l *Link) Other(userID types.ID) types.ID {
	if l.UserID == userID {
		return l.FamilyMemberID
	}
	return l.UserID
}
