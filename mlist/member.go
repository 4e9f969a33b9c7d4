package mlist

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleMember    Role = "member"
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleNonmember Role = "nonmember"
)

type DeliveryMode string

const (
	DeliveryRegular          DeliveryMode = "regular"
	DeliveryPlaintextDigests DeliveryMode = "plaintext_digests"
	DeliveryMIMEDigests      DeliveryMode = "mime_digests"
)

// IsDigest reports whether the mode receives digests instead of posts.
func (d DeliveryMode) IsDigest() bool {
	return d == DeliveryPlaintextDigests || d == DeliveryMIMEDigests
}

// Member is one roster entry. ModerationAction is empty when the list
// default applies; ReceiveOwnPostings is nil when the list default applies.
type Member struct {
	ID                 uuid.UUID    `db:"id" json:"id"`
	ListID             string       `db:"list_id" json:"list_id"`
	Email              string       `db:"email" json:"email"`
	DisplayName        string       `db:"display_name" json:"display_name"`
	Role               Role         `db:"role" json:"role"`
	ModerationAction   string       `db:"moderation_action" json:"moderation_action,omitempty"`
	DeliveryMode       DeliveryMode `db:"delivery_mode" json:"delivery_mode"`
	DeliveryEnabled    bool         `db:"delivery_enabled" json:"delivery_enabled"`
	ReceiveOwnPostings *bool        `db:"receive_own_postings" json:"receive_own_postings,omitempty"`
	SubscribedAt       int64        `db:"subscribed_at" json:"subscribed_at"`
}

func NewMember(listID, email, displayName string, role Role) *Member {
	return &Member{
		ID:              uuid.New(),
		ListID:          listID,
		Email:           email,
		DisplayName:     displayName,
		Role:            role,
		DeliveryMode:    DeliveryRegular,
		DeliveryEnabled: true,
		SubscribedAt:    time.Now().Unix(),
	}
}

// Roster is the membership store.
type Roster interface {
	// GetMember returns consts.ErrNotFound when email holds no such role.
	GetMember(ctx context.Context, listID, email string, role Role) (*Member, error)
	Members(ctx context.Context, listID string, role Role) ([]Member, error)
	// AddMember returns consts.ErrAlreadySubscribed for a duplicate.
	AddMember(ctx context.Context, m *Member) error
	// RemoveMember returns consts.ErrNotFound when nothing was removed.
	RemoveMember(ctx context.Context, listID, email string, role Role) error
	// IsBanned checks list and site-wide bans. listID may be empty.
	IsBanned(ctx context.Context, listID, email string) (bool, error)
}
