package psql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

type GormIdentityRepo struct {
	db *gorm.DB
}

func NewGormIdentityRepo(db *gorm.DB) *GormIdentityRepo {
	return &GormIdentityRepo{db: db}
}

func (r *GormIdentityRepo) Create(ctx context.Context, id *entity.Identity) error {
	if id.Version == 0 {
		id.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(id).Error; err != nil {
		return fmt.Errorf("create identity %s: %w", id.UserID, err)
	}
	return nil
}

func (r *GormIdentityRepo) Get(ctx context.Context, userID string) (*entity.Identity, error) {
	var id entity.Identity
	if err := r.db.WithContext(ctx).First(&id, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: identity %s", entity.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get identity %s: %w", userID, err)
	}
	return &id, nil
}

func (r *GormIdentityRepo) CompareAndSet(ctx context.Context, id *entity.Identity) error {
	expected := id.Version
	id.UpdatedAt = time.Now().UTC()
	id.Version = expected + 1

	tx := r.db.WithContext(ctx).
		Model(&entity.Identity{}).
		Where("user_id = ? AND version = ?", id.UserID, expected).
		Select("*").
		Omit("user_id", "created_at").
		Updates(id)
	if tx.Error != nil {
		id.Version = expected
		return fmt.Errorf("update identity %s: %w", id.UserID, tx.Error)
	}
	if tx.RowsAffected == 0 {
		id.Version = expected
		return fmt.Errorf("%w: identity %s at version %d", entity.ErrVersionConflict, id.UserID, expected)
	}
	return nil
}
