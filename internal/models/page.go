package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Page is the persisted row backing a collaborative document.
//
// Content holds the denormalized HTML snapshot. It is derived from the CRDT
// tree and is authoritative only for pages that were never opened
// collaboratively. YjsState is the CRDT full-state blob; nil until the page is
// first edited live. For encrypted pages both columns hold ciphertext only.
type Page struct {
	ID        string         `json:"id" gorm:"type:char(27);primaryKey"`
	SpaceID   string         `json:"space_id" gorm:"type:char(27);not null;index"`
	OwnerID   string         `json:"owner_id" gorm:"type:char(27);not null;index"`
	Title     string         `json:"title" gorm:"type:text"`
	Content   string         `json:"content" gorm:"type:text"`
	YjsState  []byte         `json:"-" gorm:"column:yjs_state;type:bytea"`
	Icon      string         `json:"icon" gorm:"type:text"`
	SortOrder int            `json:"sort_order" gorm:"column:sort_order"`
	ParentID  string         `json:"parent_id" gorm:"column:parent_id;type:char(27);index"`
	Encrypted bool           `json:"encrypted" gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// BeforeCreate hook generates KSUID before inserting
func (p *Page) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// PagePersist is the mutable subset written back by the persistence writer.
// State == nil means "leave yjs_state untouched" (HTML-only degradation).
type PagePersist struct {
	Title     string
	Content   string
	State     []byte
	Icon      string
	SortOrder int
	ParentID  string
}
