package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist. Callers must not leak
// whether the failure was "missing" or "forbidden" to unauthorized users.
var ErrNotFound = errors.New("not found")

// PageRepositoryImpl handles all database operations for pages using GORM.
// Consumers declare the interfaces they need; this is the implementation.
type PageRepositoryImpl struct {
	db *gorm.DB
}

// NewPageRepository creates a new page repository
func NewPageRepository(db *gorm.DB) *PageRepositoryImpl {
	return &PageRepositoryImpl{db: db}
}

// GetByID retrieves a page row by id. Soft-deleted pages are excluded.
func (r *PageRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Page, error) {
	var page models.Page

	err := r.db.WithContext(ctx).First(&page, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}

	return &page, nil
}

// Persist writes the derived snapshot and CRDT state back to the row. A nil
// State leaves yjs_state untouched (the HTML-only degradation path for
// oversized documents).
func (r *PageRepositoryImpl) Persist(ctx context.Context, id string, p *models.PagePersist) error {
	updates := map[string]interface{}{
		"title":      p.Title,
		"content":    p.Content,
		"icon":       p.Icon,
		"sort_order": p.SortOrder,
		"parent_id":  p.ParentID,
		"updated_at": time.Now(),
	}
	if p.State != nil {
		updates["yjs_state"] = p.State
	}

	result := r.db.WithContext(ctx).Model(&models.Page{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to persist page: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// PersistState writes only the CRDT state column. Used for E2EE pages, whose
// ciphertext blob is stored verbatim and whose HTML snapshot is never derived.
func (r *PageRepositoryImpl) PersistState(ctx context.Context, id string, state []byte) error {
	result := r.db.WithContext(ctx).Model(&models.Page{}).Where("id = ?", id).Updates(map[string]interface{}{
		"yjs_state":  state,
		"updated_at": time.Now(),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to persist page state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
