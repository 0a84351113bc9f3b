package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/types"
)

type ChannelRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, channels []*types.Channel) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Channel, error)
	ListActive(ctx context.Context, tx *gorm.DB) ([]*types.Channel, error)
}

type channelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChannelRepo(db *gorm.DB, baseLog *logger.Logger) ChannelRepo {
	return &channelRepo{
		db:  db,
		log: baseLog.With("repo", "ChannelRepo"),
	}
}

// Upsert mirrors the registry snapshot into the channel table so the claim
// query can join against max_concurrent and active.
func (r *channelRepo) Upsert(ctx context.Context, tx *gorm.DB, channels []*types.Channel) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(channels) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "active", "max_concurrent", "max_concurrent_video",
				"voice_id", "storage_strategy", "intro_path", "outro_path",
				"watermark_path", "credentials_encrypted", "updated_at",
			}),
		}).
		Create(&channels).Error
}

func (r *channelRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*types.Channel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var channel types.Channel
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func (r *channelRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*types.Channel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Channel
	err := transaction.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
