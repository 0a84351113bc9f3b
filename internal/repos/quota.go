package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/types"
)

// QuotaDayFormat is the date key for quota rows, in the quota timezone.
const QuotaDayFormat = "2006-01-02"

type QuotaRepo interface {
	// Get returns the counter row for (channel, day), or a zero-usage row with
	// the default daily limit when none exists yet.
	Get(ctx context.Context, tx *gorm.DB, channelID, day string) (*types.YouTubeQuotaUsage, error)
	// Add upserts the counter row and adds delta units. delta must be >= 0.
	Add(ctx context.Context, tx *gorm.DB, channelID, day string, delta int64) error
	PurgeOlderThan(ctx context.Context, tx *gorm.DB, days int) error
}

type quotaRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuotaRepo(db *gorm.DB, baseLog *logger.Logger) QuotaRepo {
	return &quotaRepo{
		db:  db,
		log: baseLog.With("repo", "QuotaRepo"),
	}
}

const defaultDailyLimit = 10000

func (r *quotaRepo) Get(ctx context.Context, tx *gorm.DB, channelID, day string) (*types.YouTubeQuotaUsage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if channelID == "" || day == "" {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var row types.YouTubeQuotaUsage
	err := transaction.WithContext(ctx).
		Where("channel_id = ? AND date = ?", channelID, day).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &types.YouTubeQuotaUsage{
			ChannelID:  channelID,
			Date:       day,
			UnitsUsed:  0,
			DailyLimit: defaultDailyLimit,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *quotaRepo) Add(ctx context.Context, tx *gorm.DB, channelID, day string, delta int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if channelID == "" || day == "" {
		return pkgerrors.ErrInvalidArgument
	}
	if delta < 0 {
		return fmt.Errorf("quota delta %d is negative: %w", delta, pkgerrors.ErrInvalidArgument)
	}
	row := &types.YouTubeQuotaUsage{
		ChannelID:  channelID,
		Date:       day,
		UnitsUsed:  delta,
		DailyLimit: defaultDailyLimit,
		UpdatedAt:  time.Now(),
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"units_used": gorm.Expr("youtube_quota_usage.units_used + ?", delta),
				"updated_at": time.Now(),
			}),
		}).
		Create(row).Error
}

func (r *quotaRepo) PurgeOlderThan(ctx context.Context, tx *gorm.DB, days int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if days <= 0 {
		return pkgerrors.ErrInvalidArgument
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(QuotaDayFormat)
	return transaction.WithContext(ctx).
		Where("date < ?", cutoff).
		Delete(&types.YouTubeQuotaUsage{}).Error
}
