package syncengine

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/storyforge-backend/internal/channels"
	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/planning"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/utils"
)

const retentionDays = 7

// Engine keeps the authoritative task store and the planning database in
// step: a periodic push of status back to planning pages, deferred webhook
// ingest in the other direction, and daily retention purges. On conflicts the
// task store wins; a manual planning-side status edit is overwritten within
// one push interval.
type Engine struct {
	log      *logger.Logger
	client   planning.Client
	tasks    repos.TaskRepo
	webhooks repos.WebhookEventRepo
	quota    repos.QuotaRepo
	registry *channels.Registry

	interval      time.Duration
	sweepInterval time.Duration
	databases     []string
	now           func() time.Time
}

func NewEngine(
	client planning.Client,
	tasks repos.TaskRepo,
	webhooks repos.WebhookEventRepo,
	quota repos.QuotaRepo,
	registry *channels.Registry,
	baseLog *logger.Logger,
) *Engine {
	log := baseLog.With("service", "SyncEngine")
	return &Engine{
		log:           log,
		client:        client,
		tasks:         tasks,
		webhooks:      webhooks,
		quota:         quota,
		registry:      registry,
		interval:      time.Duration(utils.GetEnvAsInt("SYNC_INTERVAL_SECONDS", 60, log)) * time.Second,
		sweepInterval: time.Duration(utils.GetEnvAsInt("SWEEP_INTERVAL_SECONDS", 3600, log)) * time.Second,
		databases:     parseDatabaseIDs(utils.GetEnv("PLANNING_DATABASE_IDS", "", log), log),
		now:           time.Now,
	}
}

func parseDatabaseIDs(raw string, log *logger.Logger) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		canonical, err := planning.NormalizePageID(part)
		if err != nil {
			log.Warn("Skipping malformed planning database id", "id", part, "error", err)
			continue
		}
		ids = append(ids, canonical)
	}
	return ids
}

// Run drives the push, sweep, and purge loops until the context is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pushLoop(ctx) })
	g.Go(func() error { return e.purgeLoop(ctx) })
	if len(e.databases) > 0 {
		g.Go(func() error { return e.sweepLoop(ctx) })
	}
	return g.Wait()
}

func (e *Engine) pushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.PushOnce(ctx)
		}
	}
}

// PushOnce patches Status, Priority, and Time in Status onto every planning
// page that backs a task. Individual page errors are logged and retried on
// the next cycle.
func (e *Engine) PushOnce(ctx context.Context) {
	tasks, err := e.tasks.ListSyncable(ctx, nil)
	if err != nil {
		e.log.Warn("ListSyncable failed", "error", err)
		return
	}
	now := e.now()
	pushed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := e.client.UpdatePage(ctx, task.PlanningPageID, pushProperties(task, now)); err != nil {
			e.log.Warn("Push to planning page failed",
				"task_id", task.ID, "page_id", task.PlanningPageID, "error", err)
			continue
		}
		pushed++
	}
	e.log.Debug("Push cycle complete", "tasks", len(tasks), "pushed", pushed)
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SweepOnce(ctx)
		}
	}
}

// SweepOnce reconciles the configured planning databases against the task
// store, picking up pages whose webhook deliveries never arrived. Pages that
// fail validation stay drafts, same as on the webhook path.
func (e *Engine) SweepOnce(ctx context.Context) {
	for _, dbID := range e.databases {
		pages, err := e.client.QueryDatabase(ctx, dbID, nil)
		if err != nil {
			e.log.Warn("Planning database sweep failed", "database_id", dbID, "error", err)
			continue
		}
		for _, page := range pages {
			if ctx.Err() != nil {
				return
			}
			if page.Archived {
				continue
			}
			if err := e.applyPage(ctx, page); err != nil {
				if errors.Is(err, pkgerrors.ErrInvalidArgument) {
					e.log.Debug("Sweep skipped invalid page", "page_id", page.ID, "reason", err)
					continue
				}
				e.log.Warn("Sweep apply failed", "page_id", page.ID, "error", err)
			}
		}
	}
}

func (e *Engine) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.quota.PurgeOlderThan(ctx, nil, retentionDays); err != nil {
				e.log.Warn("Quota purge failed", "error", err)
			}
			cutoff := e.now().AddDate(0, 0, -retentionDays)
			if err := e.webhooks.PurgeOlderThan(ctx, nil, cutoff); err != nil {
				e.log.Warn("Webhook purge failed", "error", err)
			}
		}
	}
}
