package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"

	"gorm.io/gorm"
)

// SpaceRepositoryImpl resolves workspace permissions and session identities.
type SpaceRepositoryImpl struct {
	db *gorm.DB
}

// NewSpaceRepository creates a new space repository
func NewSpaceRepository(db *gorm.DB) *SpaceRepositoryImpl {
	return &SpaceRepositoryImpl{db: db}
}

// RoleFor resolves a user's permission inside a space. Space owners get
// RoleOwner without a membership row; everyone else needs one. RoleNone means
// no access, which callers must render identically to "not found".
func (r *SpaceRepositoryImpl) RoleFor(ctx context.Context, userID, spaceID string) (models.Role, error) {
	var space models.Space
	err := r.db.WithContext(ctx).First(&space, "id = ?", spaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RoleNone, nil
	}
	if err != nil {
		return models.RoleNone, fmt.Errorf("failed to get space: %w", err)
	}

	if space.OwnerID == userID {
		return models.RoleOwner, nil
	}

	var member models.SpaceMember
	err = r.db.WithContext(ctx).
		First(&member, "space_id = ? AND user_id = ?", spaceID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RoleNone, nil
	}
	if err != nil {
		return models.RoleNone, fmt.Errorf("failed to get space member: %w", err)
	}

	return member.Role, nil
}

// IsE2EE reports whether a space is end-to-end encrypted.
func (r *SpaceRepositoryImpl) IsE2EE(ctx context.Context, spaceID string) (bool, error) {
	var space models.Space
	err := r.db.WithContext(ctx).First(&space, "id = ?", spaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to get space: %w", err)
	}
	return space.E2EE, nil
}

// UserForSession validates a session token and returns the owning user id.
// Session issuance lives in the account service; this is lookup only.
func (r *SpaceRepositoryImpl) UserForSession(ctx context.Context, token string) (string, error) {
	var session models.UserSession
	err := r.db.WithContext(ctx).First(&session, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session: %w", err)
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now()) {
		return "", ErrNotFound
	}
	return session.UserID, nil
}
