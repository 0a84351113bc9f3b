package repos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/types"
)

// StatusPatch carries the optional fields a status transition may write
// alongside the compare-and-set. ErrorLog entries are append-only.
type StatusPatch struct {
	AppendErrorLog string
	FinalVideoPath string
}

// TaskFilter narrows List results.
type TaskFilter struct {
	ChannelID string
	Status    types.TaskStatus
	Limit     int
}

type TaskRepo interface {
	Create(ctx context.Context, tx *gorm.DB, task *types.Task) (*types.Task, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Task, error)
	GetByPlanningPageID(ctx context.Context, tx *gorm.DB, pageID string) (*types.Task, error)
	List(ctx context.Context, tx *gorm.DB, filter TaskFilter) ([]*types.Task, error)
	ListSyncable(ctx context.Context, tx *gorm.DB) ([]*types.Task, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.TaskStatus, patch StatusPatch) error
	RecordCost(ctx context.Context, tx *gorm.DB, id uuid.UUID, deltaUSD float64) error
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	ClaimNext(ctx context.Context, activeChannelIDs []string) (*types.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) Create(ctx context.Context, tx *gorm.DB, task *types.Task) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if task == nil {
		return nil, pkgerrors.ErrInvalidArgument
	}
	if task.PlanningPageID == "" {
		return nil, fmt.Errorf("planning_page_id required: %w", pkgerrors.ErrInvalidArgument)
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = types.StatusQueued
	}
	if task.Priority == "" {
		task.Priority = types.PriorityNormal
	}
	if err := transaction.WithContext(ctx).Create(task).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("planning_page_id %q: %w", task.PlanningPageID, pkgerrors.ErrAlreadyExists)
		}
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) GetByPlanningPageID(ctx context.Context, tx *gorm.DB, pageID string) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if pageID == "" {
		return nil, pkgerrors.ErrInvalidArgument
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Where("planning_page_id = ?", pageID).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) List(ctx context.Context, tx *gorm.DB, filter TaskFilter) ([]*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Model(&types.Task{})
	if filter.ChannelID != "" {
		q = q.Where("channel_id = ?", filter.ChannelID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var out []*types.Task
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListSyncable(ctx context.Context, tx *gorm.DB) ([]*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Task
	err := transaction.WithContext(ctx).
		Where("planning_page_id IS NOT NULL AND planning_page_id <> ''").
		Order("updated_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.TaskStatus, patch StatusPatch) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return pkgerrors.ErrInvalidArgument
	}
	if !types.TransitionAllowed(from, to) {
		return fmt.Errorf("transition %s -> %s: %w", from, to, pkgerrors.ErrInvalidArgument)
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if patch.AppendErrorLog != "" {
		line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), patch.AppendErrorLog)
		updates["error_log"] = gorm.Expr("COALESCE(error_log, '') || ?", line)
	}
	if patch.FinalVideoPath != "" {
		updates["final_video_path"] = patch.FinalVideoPath
	}
	result := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s not in status %s: %w", id, from, pkgerrors.ErrConflict)
	}
	return nil
}

func (r *taskRepo) RecordCost(ctx context.Context, tx *gorm.DB, id uuid.UUID, deltaUSD float64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return pkgerrors.ErrInvalidArgument
	}
	if deltaUSD < 0 {
		return fmt.Errorf("cost delta %f is negative: %w", deltaUSD, pkgerrors.ErrInvalidArgument)
	}
	if deltaUSD == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"cost_usd":   gorm.Expr("cost_usd + ?", deltaUSD),
			"updated_at": time.Now(),
		}).Error
}

func (r *taskRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ?", id).
		Update("heartbeat_at", time.Now()).Error
}

// ClaimNext selects the single next runnable task under FOR UPDATE SKIP
// LOCKED so parallel workers never contend on the same row. Ordering is
// (priority rank, channel_id, created_at): channels with pending work
// alternate in ascending id order inside a priority tier, which is the
// round-robin fairness guarantee. A queued task is moved to claimed inside
// the same transaction; other runnable statuses are re-owned by the stage's
// opening compare-and-set.
func (r *taskRepo) ClaimNext(ctx context.Context, activeChannelIDs []string) (*types.Task, error) {
	if len(activeChannelIDs) == 0 {
		return nil, nil
	}
	runnable := make([]string, 0, len(types.RunnableStatuses))
	for _, s := range types.RunnableStatuses {
		runnable = append(runnable, string(s))
	}
	owned := ownedStatusList()

	var claimed *types.Task
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var task types.Task
		q := txx
		// sqlite (used by unit tests) has no row locking; claims there are
		// serialized by the database file lock instead.
		if txx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "task"}, Options: "SKIP LOCKED"})
		}
		q = q.
			Where("status IN ?", runnable).
			Where("channel_id IN ?", activeChannelIDs).
			Where(`
				(SELECT COUNT(*) FROM task AS inflight
					WHERE inflight.channel_id = task.channel_id
					AND inflight.status IN (`+owned+`))
				<
				(SELECT channel.max_concurrent FROM channel
					WHERE channel.id = task.channel_id)
			`).
			Order(`
				CASE task.priority
					WHEN 'high' THEN 1
					WHEN 'normal' THEN 2
					ELSE 3
				END ASC, task.channel_id ASC, task.created_at ASC
			`)
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		if task.Status == types.StatusQueued {
			now := time.Now()
			res := txx.Model(&types.Task{}).
				Where("id = ? AND status = ?", task.ID, types.StatusQueued).
				Updates(map[string]interface{}{
					"status":     types.StatusClaimed,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Another claimer moved the row between the select and the
				// compare-and-set; nothing to hand out this poll.
				return nil
			}
			task.Status = types.StatusClaimed
			task.UpdatedAt = now
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func ownedStatusList() string {
	parts := make([]string, 0, 8)
	for _, s := range types.AllStatuses {
		if s.IsWorkerOwned() {
			parts = append(parts, "'"+string(s)+"'")
		}
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
