package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Role is a user's resolved permission inside a space.
type Role string

const (
	RoleOwner Role = "OWNER"
	RoleAdmin Role = "ADMIN"
	RoleEdit  Role = "EDIT"
	RoleRead  Role = "READ"
	RoleNone  Role = ""
)

// CanWrite reports whether the role allows applying document updates.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEdit:
		return true
	}
	return false
}

// CanRead reports whether the role allows subscribing at all.
func (r Role) CanRead() bool {
	return r != RoleNone
}

// Space is a workspace (storage) owning a tree of pages. E2EE spaces carry
// only ciphertext server-side; the workspace key never leaves the clients.
type Space struct {
	ID        string         `json:"id" gorm:"type:char(27);primaryKey"`
	Name      string         `json:"name" gorm:"type:text;not null"`
	OwnerID   string         `json:"owner_id" gorm:"type:char(27);not null;index"`
	E2EE      bool           `json:"e2ee" gorm:"column:e2ee;not null;default:false"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func (s *Space) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// SpaceMember grants a user a role inside a space.
type SpaceMember struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SpaceID   string    `json:"space_id" gorm:"type:char(27);not null;uniqueIndex:idx_space_user"`
	UserID    string    `json:"user_id" gorm:"type:char(27);not null;uniqueIndex:idx_space_user"`
	Role      Role      `json:"role" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (m *SpaceMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// UserSession maps an auth session token to a user. Session issuance itself
// is handled by the account service; the sync engine only validates tokens.
type UserSession struct {
	Token     string    `json:"-" gorm:"type:char(64);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:char(27);not null;index"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
