package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/storyforge-backend/internal/channels"
	"github.com/yungbote/storyforge-backend/internal/gate"
	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/storage"
	"github.com/yungbote/storyforge-backend/internal/tools"
	"github.com/yungbote/storyforge-backend/internal/types"
	"github.com/yungbote/storyforge-backend/internal/utils"
	"github.com/yungbote/storyforge-backend/internal/workspace"
)

// StatusNotifier announces task status changes to the outside world.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, task *types.Task)
}

// stage is one edge bundle of the pipeline graph: the status a worker picks
// the task up in, the in-progress status it holds while the tool runs, and
// where success, requeue, and fatal failure land.
type stage struct {
	name    string
	entry   types.TaskStatus
	running types.TaskStatus
	success types.TaskStatus
	requeue types.TaskStatus
	failure types.TaskStatus
	run     func(d *Dispatcher, ctx context.Context, sc *stageContext) (string, error)
}

type stageContext struct {
	task      *types.Task
	entry     *channels.Entry
	timeout   time.Duration
	finalPath string
}

// Dispatcher maps a claimed task's status to its stage procedure. Stages are
// file-idempotent: re-running a stage overwrites its outputs, so a worker
// that died mid-stage resumes without duplication. No database transaction
// is held while a tool runs.
type Dispatcher struct {
	log    *logger.Logger
	tasks  repos.TaskRepo
	runner *tools.Runner
	pather *workspace.Pather
	gate   *gate.Gate
	store  storage.Store
	notify StatusNotifier

	stages      map[types.TaskStatus]*stage
	timeouts    map[string]time.Duration
	retryBudget int
}

func NewDispatcher(
	tasks repos.TaskRepo,
	runner *tools.Runner,
	pather *workspace.Pather,
	g *gate.Gate,
	store storage.Store,
	notify StatusNotifier,
	baseLog *logger.Logger,
) *Dispatcher {
	log := baseLog.With("component", "PipelineDispatcher")
	d := &Dispatcher{
		log:         log,
		tasks:       tasks,
		runner:      runner,
		pather:      pather,
		gate:        g,
		store:       store,
		notify:      notify,
		retryBudget: utils.GetEnvAsInt("STAGE_RETRY_BUDGET", 3, log),
	}
	d.timeouts = map[string]time.Duration{
		"assets":     utils.GetEnvAsDuration("STAGE_TIMEOUT_ASSETS", 10*time.Minute, log),
		"composites": utils.GetEnvAsDuration("STAGE_TIMEOUT_COMPOSITES", 10*time.Minute, log),
		"video":      utils.GetEnvAsDuration("STAGE_TIMEOUT_VIDEO", 30*time.Minute, log),
		"audio":      utils.GetEnvAsDuration("STAGE_TIMEOUT_AUDIO", 10*time.Minute, log),
		"sfx":        utils.GetEnvAsDuration("STAGE_TIMEOUT_SFX", 10*time.Minute, log),
		"assemble":   utils.GetEnvAsDuration("STAGE_TIMEOUT_ASSEMBLE", 20*time.Minute, log),
		"upload":     utils.GetEnvAsDuration("STAGE_TIMEOUT_UPLOAD", 30*time.Minute, log),
	}
	d.stages = map[types.TaskStatus]*stage{}
	for _, st := range []*stage{
		{
			name:    "assets",
			entry:   types.StatusClaimed,
			running: types.StatusGeneratingAssets,
			success: types.StatusAssetsReady,
			requeue: types.StatusQueued,
			failure: types.StatusAssetError,
			run:     (*Dispatcher).runAssets,
		},
		{
			name:    "composites",
			entry:   types.StatusAssetsApproved,
			running: types.StatusGeneratingComposites,
			success: types.StatusCompositesReady,
			requeue: types.StatusAssetsApproved,
			failure: types.StatusAssetError,
			run:     (*Dispatcher).runComposites,
		},
		{
			name:    "video",
			entry:   types.StatusCompositesReady,
			running: types.StatusGeneratingVideo,
			success: types.StatusVideoReady,
			requeue: types.StatusCompositesReady,
			failure: types.StatusVideoError,
			run:     (*Dispatcher).runVideo,
		},
		{
			name:    "audio",
			entry:   types.StatusVideoApproved,
			running: types.StatusGeneratingAudio,
			success: types.StatusAudioReady,
			requeue: types.StatusVideoApproved,
			failure: types.StatusAudioError,
			run:     (*Dispatcher).runAudio,
		},
		{
			name:    "sfx",
			entry:   types.StatusAudioApproved,
			running: types.StatusGeneratingSFX,
			success: types.StatusSFXReady,
			requeue: types.StatusAudioApproved,
			failure: types.StatusAudioError,
			run:     (*Dispatcher).runSFX,
		},
		{
			name:    "assemble",
			entry:   types.StatusSFXReady,
			running: types.StatusAssembling,
			success: types.StatusAssemblyReady,
			requeue: types.StatusSFXReady,
			failure: types.StatusVideoError,
			run:     (*Dispatcher).runAssemble,
		},
		{
			name:    "upload",
			entry:   types.StatusApproved,
			running: types.StatusUploading,
			success: types.StatusPublished,
			requeue: types.StatusApproved,
			failure: types.StatusUploadError,
			run:     (*Dispatcher).runUpload,
		},
	} {
		d.stages[st.entry] = st
	}
	return d
}

// Dispatch runs the single stage matching the task's current status. The
// opening compare-and-set re-owns the row; losing it means another worker got
// there first and is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, task *types.Task, entry *channels.Entry) error {
	if task.Status == types.StatusAssemblyReady {
		// Hand-off to the human review queue; no tool involved.
		return d.advance(ctx, task, types.StatusAssemblyReady, types.StatusFinalReview, repos.StatusPatch{})
	}

	st, ok := d.stages[task.Status]
	if !ok {
		d.log.Warn("No stage for claimed status", "task_id", task.ID, "status", task.Status)
		return nil
	}

	if err := d.advance(ctx, task, st.entry, st.running, repos.StatusPatch{}); err != nil {
		return err
	}
	if task.Status != st.running {
		// Lost the opening compare-and-set.
		return nil
	}

	sc := &stageContext{task: task, entry: entry, timeout: d.timeouts[st.name]}
	stdout, runErr := st.run(d, ctx, sc)
	if runErr == nil {
		d.recordCost(ctx, task, stdout)
		patch := repos.StatusPatch{}
		if p := sc.finalVideoPath(); p != "" {
			patch.FinalVideoPath = p
		}
		return d.advance(ctx, task, st.running, st.success, patch)
	}
	return d.fail(ctx, st, task, runErr)
}

// fail classifies a stage error and moves the task to the requeue or terminal
// status the classification demands.
func (d *Dispatcher) fail(ctx context.Context, st *stage, task *types.Task, runErr error) error {
	reason := fmt.Sprintf("stage %s: %v", st.name, runErr)

	var toolErr *tools.ToolFailure
	if errors.As(runErr, &toolErr) && gate.QuotaExhaustedStderr(toolErr.Stderr) {
		// Provider quota markers update gate state instead of burning the
		// retry budget.
		if st.name == "assets" || st.name == "composites" {
			d.gate.NoteGeminiExhausted()
		}
		return d.advance(ctx, task, st.running, st.requeue, repos.StatusPatch{
			AppendErrorLog: reason + " (provider quota)",
		})
	}

	if d.isRetriable(runErr) {
		attempts := strings.Count(task.ErrorLog, retryMarker(st.name))
		if attempts < d.retryBudget {
			return d.advance(ctx, task, st.running, st.requeue, repos.StatusPatch{
				AppendErrorLog: fmt.Sprintf("%s %d/%d: %v", retryMarker(st.name), attempts+1, d.retryBudget, runErr),
			})
		}
		reason = fmt.Sprintf("stage %s: retry budget exhausted: %v", st.name, runErr)
	}

	d.log.Error("Stage failed terminally",
		"task_id", task.ID, "stage", st.name, "error", runErr)
	return d.advance(ctx, task, st.running, st.failure, repos.StatusPatch{
		AppendErrorLog: reason,
	})
}

func (d *Dispatcher) isRetriable(err error) bool {
	var timeoutErr *tools.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var toolErr *tools.ToolFailure
	if errors.As(err, &toolErr) {
		return true
	}
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Validation, path escape, and everything unclassified are fatal.
	return false
}

func retryMarker(stageName string) string {
	return "stage " + stageName + " retry"
}

func (d *Dispatcher) advance(ctx context.Context, task *types.Task, from, to types.TaskStatus, patch repos.StatusPatch) error {
	err := d.tasks.UpdateStatus(ctx, nil, task.ID, from, to, patch)
	if errors.Is(err, pkgerrors.ErrConflict) {
		// Another actor (cancel, second worker) already moved the task.
		d.log.Debug("Transition lost to concurrent actor",
			"task_id", task.ID, "from", from, "to", to)
		return nil
	}
	if err != nil {
		return err
	}
	task.Status = to
	if patch.FinalVideoPath != "" {
		task.FinalVideoPath = patch.FinalVideoPath
	}
	if d.notify != nil {
		d.notify.PublishStatus(ctx, task)
	}
	return nil
}

// recordCost picks up an optional `cost_usd=<n>` line a tool prints on stdout.
func (d *Dispatcher) recordCost(ctx context.Context, task *types.Task, stdout string) {
	cost := parseCost(stdout)
	if cost <= 0 {
		return
	}
	if err := d.tasks.RecordCost(ctx, nil, task.ID, cost); err != nil {
		d.log.Warn("RecordCost failed", "task_id", task.ID, "error", err)
	}
}

func parseCost(stdout string) float64 {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "cost_usd=") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(line, "cost_usd="), 64)
		if err == nil && v > 0 {
			return v
		}
	}
	return 0
}
