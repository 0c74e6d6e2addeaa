package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"gorm.io/gorm"
)

// AttachmentRepositoryImpl handles attachment rows and their on-disk files.
// Deletion is scoped to the owner's directory under filesRoot; a path that
// escapes the namespace is refused rather than resolved.
type AttachmentRepositoryImpl struct {
	db        *gorm.DB
	filesRoot string
}

// NewAttachmentRepository creates a new attachment repository
func NewAttachmentRepository(db *gorm.DB, filesRoot string) *AttachmentRepositoryImpl {
	return &AttachmentRepositoryImpl{db: db, filesRoot: filesRoot}
}

// ListByPage returns all attachments of a page.
func (r *AttachmentRepositoryImpl) ListByPage(ctx context.Context, pageID string) ([]*models.Attachment, error) {
	var attachments []*models.Attachment

	err := r.db.WithContext(ctx).
		Where("page_id = ?", pageID).
		Find(&attachments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	return attachments, nil
}

// DeleteUnreferenced removes attachment rows and files of a page whose file
// names no longer appear in the referenced set. Only files inside the page
// owner's namespace are touched.
func (r *AttachmentRepositoryImpl) DeleteUnreferenced(ctx context.Context, pageID, ownerID string, referenced map[string]bool) error {
	attachments, err := r.ListByPage(ctx, pageID)
	if err != nil {
		return err
	}

	for _, att := range attachments {
		if referenced[att.FileName] {
			continue
		}
		if att.OwnerID != ownerID {
			// Never cross user namespaces during cleanup.
			continue
		}

		if err := r.db.WithContext(ctx).Delete(&models.Attachment{}, "id = ?", att.ID).Error; err != nil {
			return fmt.Errorf("failed to delete attachment row: %w", err)
		}

		if err := r.removeFile(ownerID, att.FilePath); err != nil {
			// The row is gone; a leftover file is logged, not fatal.
			log.Printf("⚠️  Failed to remove attachment file %s: %v", att.FilePath, err)
		}
	}

	return nil
}

func (r *AttachmentRepositoryImpl) removeFile(ownerID, relPath string) error {
	ownerDir := filepath.Join(r.filesRoot, ownerID)
	full := filepath.Join(ownerDir, filepath.Clean("/"+relPath))
	if !strings.HasPrefix(full, ownerDir+string(os.PathSeparator)) {
		return fmt.Errorf("attachment path escapes owner namespace: %s", relPath)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
