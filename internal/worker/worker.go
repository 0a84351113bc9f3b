package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yungbote/storyforge-backend/internal/channels"
	"github.com/yungbote/storyforge-backend/internal/gate"
	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
	"github.com/yungbote/storyforge-backend/internal/utils"
)

// Dispatcher runs the pipeline stage matching the task's current status.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *types.Task, channel *channels.Entry) error
}

// Worker drives the claim -> gate -> dispatch -> heartbeat loop on a pool of
// goroutines. Each claimed task is processed to the end of exactly one stage;
// the next stage is picked up by whichever worker claims the task next.
type Worker struct {
	log      *logger.Logger
	tasks    repos.TaskRepo
	registry *channels.Registry
	gate     *gate.Gate
	dispatch Dispatcher

	poll      time.Duration
	heartbeat time.Duration
	wg        sync.WaitGroup
}

func NewWorker(tasks repos.TaskRepo, registry *channels.Registry, g *gate.Gate, dispatch Dispatcher, baseLog *logger.Logger) *Worker {
	log := baseLog.With("component", "TaskWorker")
	return &Worker{
		log:       log,
		tasks:     tasks,
		registry:  registry,
		gate:      g,
		dispatch:  dispatch,
		poll:      time.Duration(utils.GetEnvAsInt("POLL_INTERVAL_SECONDS", 1, log)) * time.Second,
		heartbeat: utils.GetEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second, log),
	}
}

// Start launches the worker pool. It returns immediately; use Wait after
// cancelling the context to drain in-flight stages.
func (w *Worker) Start(ctx context.Context) {
	concurrency := utils.GetEnvAsInt("WORKER_CONCURRENCY", 4, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting task worker pool", "concurrency", concurrency, "poll", w.poll)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLoop(ctx, workerID)
		}()
	}
}

// Wait blocks until every loop has observed context cancellation and its
// current stage has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			task, err := w.tasks.ClaimNext(ctx, w.registry.ActiveIDs())
			if err != nil {
				if ctx.Err() == nil {
					w.log.Warn("ClaimNext failed", "worker_id", workerID, "error", err)
				}
				continue
			}
			if task == nil {
				continue
			}
			w.process(ctx, workerID, task)
		}
	}
}

func (w *Worker) process(ctx context.Context, workerID int, task *types.Task) {
	entry, err := w.registry.Get(task.ChannelID)
	if err != nil {
		w.log.Warn("Claimed task on unknown channel",
			"worker_id", workerID, "task_id", task.ID, "channel_id", task.ChannelID)
		if task.Status == types.StatusClaimed {
			relErr := w.tasks.UpdateStatus(ctx, nil, task.ID, types.StatusClaimed, types.StatusQueued, repos.StatusPatch{
				AppendErrorLog: "channel missing from registry: " + task.ChannelID,
			})
			if relErr != nil && !errors.Is(relErr, pkgerrors.ErrConflict) {
				w.log.Error("Release of orphaned task failed", "task_id", task.ID, "error", relErr)
			}
		}
		return
	}

	ok, done, err := w.gate.Admit(ctx, task, &entry.Channel)
	if err != nil {
		w.log.Error("Gate check failed", "worker_id", workerID, "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	defer done()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, task)

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Pipeline stage panic",
				"worker_id", workerID,
				"task_id", task.ID,
				"status", task.Status,
				"panic", r,
			)
		}
	}()

	if err := w.dispatch.Dispatch(ctx, task, entry); err != nil {
		// Stages record their own failures on the task row; this is a
		// safety net for errors that escaped the stage.
		w.log.Error("Pipeline stage error",
			"worker_id", workerID,
			"task_id", task.ID,
			"status", task.Status,
			"error", err,
		)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, task *types.Task) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tasks.Heartbeat(ctx, nil, task.ID); err != nil && ctx.Err() == nil {
				w.log.Warn("Heartbeat failed", "task_id", task.ID, "error", err)
			}
		}
	}
}
