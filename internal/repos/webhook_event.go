package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/types"
)

type WebhookEventRepo interface {
	// Record inserts the event and reports whether it was new. Replays of an
	// already-seen event_id insert nothing and return false.
	Record(ctx context.Context, tx *gorm.DB, eventID string, payload []byte) (bool, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, eventID string) error
	Get(ctx context.Context, tx *gorm.DB, eventID string) (*types.WebhookEvent, error)
	PurgeOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) error
}

type webhookEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWebhookEventRepo(db *gorm.DB, baseLog *logger.Logger) WebhookEventRepo {
	return &webhookEventRepo{
		db:  db,
		log: baseLog.With("repo", "WebhookEventRepo"),
	}
}

func (r *webhookEventRepo) Record(ctx context.Context, tx *gorm.DB, eventID string, payload []byte) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if eventID == "" {
		return false, pkgerrors.ErrInvalidArgument
	}
	event := &types.WebhookEvent{
		EventID:    eventID,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: time.Now(),
	}
	result := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, tx *gorm.DB, eventID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Update("processed", true).Error
}

func (r *webhookEventRepo) Get(ctx context.Context, tx *gorm.DB, eventID string) (*types.WebhookEvent, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var event types.WebhookEvent
	err := transaction.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *webhookEventRepo) PurgeOlderThan(ctx context.Context, tx *gorm.DB, cutoff time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("received_at < ? AND processed = ?", cutoff, true).
		Delete(&types.WebhookEvent{}).Error
}
