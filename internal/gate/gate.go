package gate

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
	"github.com/yungbote/storyforge-backend/internal/utils"
)

// UploadCost is the YouTube API unit cost of one video upload.
const UploadCost int64 = 1600

// DefaultKlingCeiling caps concurrent video generations per process unless a
// channel overrides it.
const DefaultKlingCeiling = 3

const alertThrottle = 5 * time.Minute

var quotaThresholds = []float64{0.8, 1.0}

type AlertKind string

const (
	AlertQuotaThreshold AlertKind = "quota_threshold"
	AlertTaskReleased   AlertKind = "task_released"
)

// Alert is a structured gate event pushed to the notifier.
type Alert struct {
	Kind       AlertKind `json:"kind"`
	ChannelID  string    `json:"channel_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Threshold  float64   `json:"threshold,omitempty"`
	UnitsUsed  int64     `json:"units_used,omitempty"`
	DailyLimit int64     `json:"daily_limit,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type AlertSink interface {
	PublishAlert(ctx context.Context, alert Alert)
}

var quotaStderrRe = regexp.MustCompile(`(?i)(quota[ _-]?(exhausted|exceeded)|resource[ _-]?exhausted|rate ?limit|\b429\b)`)

// QuotaExhaustedStderr reports whether a tool's stderr carries a quota
// exhaustion marker.
func QuotaExhaustedStderr(stderr string) bool {
	return quotaStderrRe.MatchString(stderr)
}

// QuotaLocation resolves the quota day boundary timezone from
// QUOTA_TIMEZONE_OFFSET (hours east of UTC). Defaults to PST.
func QuotaLocation() *time.Location {
	offset := utils.GetEnvAsInt("QUOTA_TIMEZONE_OFFSET", -8, nil)
	return time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
}

type alertKey struct {
	channelID string
	threshold float64
}

// Gate admits claimed tasks against the shared YouTube unit budget, the
// process-local Gemini exhaustion flag, and the process-local Kling
// concurrency counter. Flag and counter are deliberately not shared across
// processes; each worker process converges on its own budget.
type Gate struct {
	tasks repos.TaskRepo
	quota repos.QuotaRepo
	sink  AlertSink
	log   *logger.Logger
	loc   *time.Location

	klingCeiling int
	now          func() time.Time

	mu            sync.Mutex
	geminiUntil   time.Time
	klingInFlight int
	lastAlert     map[alertKey]time.Time
}

func New(tasks repos.TaskRepo, quota repos.QuotaRepo, sink AlertSink, baseLog *logger.Logger, loc *time.Location, klingCeiling int) *Gate {
	if loc == nil {
		loc = QuotaLocation()
	}
	if klingCeiling <= 0 {
		klingCeiling = DefaultKlingCeiling
	}
	return &Gate{
		tasks:        tasks,
		quota:        quota,
		sink:         sink,
		log:          baseLog.With("component", "gate"),
		loc:          loc,
		klingCeiling: klingCeiling,
		now:          time.Now,
		lastAlert:    map[alertKey]time.Time{},
	}
}

// Today is the current quota day key.
func (g *Gate) Today() string {
	return g.now().In(g.loc).Format(repos.QuotaDayFormat)
}

// Admit decides whether the worker may run the task's next stage. When the
// answer is no the task is released (a freshly claimed task goes back to
// queued; mid-pipeline tasks are simply left for a later poll). The returned
// done func must be called when the stage finishes, success or not.
func (g *Gate) Admit(ctx context.Context, task *types.Task, channel *types.Channel) (bool, func(), error) {
	noop := func() {}
	switch task.Status {
	case types.StatusClaimed:
		if until, exhausted := g.geminiExhausted(); exhausted {
			reason := fmt.Sprintf("gemini quota exhausted until %s", until.In(g.loc).Format(time.RFC3339))
			if err := g.release(ctx, task, reason); err != nil {
				return false, noop, err
			}
			return false, noop, nil
		}
		return true, noop, nil

	case types.StatusAssetsApproved:
		// Compositing calls the same provider as asset generation; while the
		// flag holds the task keeps its status and waits for a later poll.
		if until, exhausted := g.geminiExhausted(); exhausted {
			g.log.Debug("gemini quota exhausted, deferring compositing",
				"task_id", task.ID, "channel_id", task.ChannelID,
				"until", until.In(g.loc).Format(time.RFC3339))
			return false, noop, nil
		}
		return true, noop, nil

	case types.StatusCompositesReady:
		ceiling := g.klingCeiling
		if channel != nil && channel.MaxConcurrentVideo > 0 {
			ceiling = channel.MaxConcurrentVideo
		}
		if !g.acquireKling(ceiling) {
			g.log.Debug("kling ceiling reached, deferring task",
				"task_id", task.ID, "channel_id", task.ChannelID, "ceiling", ceiling)
			return false, noop, nil
		}
		return true, g.releaseKling, nil

	case types.StatusApproved:
		ok, err := g.admitUpload(ctx, task)
		if err != nil {
			return false, noop, err
		}
		return ok, noop, nil
	}
	return true, noop, nil
}

func (g *Gate) admitUpload(ctx context.Context, task *types.Task) (bool, error) {
	day := g.Today()
	row, err := g.quota.Get(ctx, nil, task.ChannelID, day)
	if err != nil {
		return false, err
	}
	g.checkThresholds(ctx, task.ChannelID, row.UnitsUsed, row.DailyLimit)
	if row.UnitsUsed+UploadCost > row.DailyLimit {
		reason := fmt.Sprintf("youtube quota: %d + %d exceeds daily limit %d", row.UnitsUsed, UploadCost, row.DailyLimit)
		g.emit(ctx, Alert{
			Kind:       AlertTaskReleased,
			ChannelID:  task.ChannelID,
			TaskID:     task.ID.String(),
			UnitsUsed:  row.UnitsUsed,
			DailyLimit: row.DailyLimit,
			Reason:     reason,
		})
		g.log.Info("upload deferred by youtube quota",
			"task_id", task.ID, "channel_id", task.ChannelID,
			"units_used", row.UnitsUsed, "daily_limit", row.DailyLimit)
		return false, nil
	}
	return true, nil
}

// RecordUpload charges the channel's daily budget after a successful upload
// and re-evaluates the alert thresholds.
func (g *Gate) RecordUpload(ctx context.Context, channelID string) error {
	day := g.Today()
	if err := g.quota.Add(ctx, nil, channelID, day, UploadCost); err != nil {
		return err
	}
	row, err := g.quota.Get(ctx, nil, channelID, day)
	if err != nil {
		return err
	}
	g.checkThresholds(ctx, channelID, row.UnitsUsed, row.DailyLimit)
	return nil
}

// NoteGeminiExhausted raises the exhaustion flag until the next midnight in
// the quota timezone. Asset generation is skipped while the flag holds.
func (g *Gate) NoteGeminiExhausted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	local := g.now().In(g.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc).AddDate(0, 0, 1)
	if midnight.After(g.geminiUntil) {
		g.geminiUntil = midnight
	}
	g.log.Warn("gemini quota exhausted, pausing asset generation", "until", g.geminiUntil)
}

func (g *Gate) geminiExhausted() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.geminiUntil.IsZero() || !g.now().Before(g.geminiUntil) {
		g.geminiUntil = time.Time{}
		return time.Time{}, false
	}
	return g.geminiUntil, true
}

func (g *Gate) acquireKling(ceiling int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.klingInFlight >= ceiling {
		return false
	}
	g.klingInFlight++
	return true
}

func (g *Gate) releaseKling() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.klingInFlight > 0 {
		g.klingInFlight--
	}
}

func (g *Gate) release(ctx context.Context, task *types.Task, reason string) error {
	err := g.tasks.UpdateStatus(ctx, nil, task.ID, types.StatusClaimed, types.StatusQueued, repos.StatusPatch{
		AppendErrorLog: "released by gate: " + reason,
	})
	if err != nil {
		return err
	}
	g.emit(ctx, Alert{
		Kind:      AlertTaskReleased,
		ChannelID: task.ChannelID,
		TaskID:    task.ID.String(),
		Reason:    reason,
	})
	g.log.Info("task released by gate", "task_id", task.ID, "channel_id", task.ChannelID, "reason", reason)
	return nil
}

func (g *Gate) checkThresholds(ctx context.Context, channelID string, used, limit int64) {
	if limit <= 0 {
		return
	}
	ratio := float64(used) / float64(limit)
	now := g.now()
	for _, threshold := range quotaThresholds {
		if ratio < threshold {
			continue
		}
		key := alertKey{channelID: channelID, threshold: threshold}
		g.mu.Lock()
		last, seen := g.lastAlert[key]
		throttled := seen && now.Sub(last) < alertThrottle
		if !throttled {
			g.lastAlert[key] = now
		}
		g.mu.Unlock()
		if throttled {
			continue
		}
		g.emit(ctx, Alert{
			Kind:       AlertQuotaThreshold,
			ChannelID:  channelID,
			Threshold:  threshold,
			UnitsUsed:  used,
			DailyLimit: limit,
		})
		g.log.Warn("youtube quota threshold crossed",
			"channel_id", channelID, "threshold", threshold,
			"units_used", used, "daily_limit", limit)
	}
}

func (g *Gate) emit(ctx context.Context, alert Alert) {
	if g.sink == nil {
		return
	}
	g.sink.PublishAlert(ctx, alert)
}
