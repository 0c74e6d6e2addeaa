package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Attachment is a file uploaded into a page. FilePath is relative to the
// owner's storage namespace; cleanup never reaches outside that namespace.
type Attachment struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	PageID    string    `json:"page_id" gorm:"type:char(27);not null;index"`
	OwnerID   string    `json:"owner_id" gorm:"type:char(27);not null;index"`
	FileName  string    `json:"file_name" gorm:"type:text;not null"`
	FilePath  string    `json:"file_path" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}
