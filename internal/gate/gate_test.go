package gate

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
)

type sinkRec struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *sinkRec) PublishAlert(_ context.Context, alert Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
}

func (s *sinkRec) count(kind AlertKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	db    *gorm.DB
	gate  *Gate
	sink  *sinkRec
	tasks repos.TaskRepo
	quota repos.QuotaRepo
	clock time.Time
	seq   int
}

func newFixture(t *testing.T, loc *time.Location, klingCeiling int) *fixture {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gate.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Channel{}, &types.Task{}, &types.YouTubeQuotaUsage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	f := &fixture{
		db:    db,
		sink:  &sinkRec{},
		tasks: repos.NewTaskRepo(db, log),
		quota: repos.NewQuotaRepo(db, log),
		clock: time.Date(2026, 8, 24, 12, 0, 0, 0, loc),
	}
	f.gate = New(f.tasks, f.quota, f.sink, log, loc, klingCeiling)
	f.gate.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) mkTask(t *testing.T, channelID string, status types.TaskStatus) *types.Task {
	t.Helper()
	f.seq++
	task, err := f.tasks.Create(context.Background(), nil, &types.Task{
		ChannelID:      channelID,
		PlanningPageID: strings.Repeat("0", 31) + string([]byte{'a' + byte(f.seq%26)}),
		Title:          "t",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if status != types.StatusQueued {
		if err := f.db.Model(&types.Task{}).Where("id = ?", task.ID).
			Update("status", status).Error; err != nil {
			t.Fatalf("set status: %v", err)
		}
		task.Status = status
	}
	return task
}

func TestQuotaExhaustedStderr(t *testing.T) {
	cases := []struct {
		stderr string
		want   bool
	}{
		{"Error: quota exhausted for project", true},
		{"RESOURCE_EXHAUSTED: image generation", true},
		{"HTTP 429 Too Many Requests", true},
		{"Quota exceeded for quota metric", true},
		{"rate limit hit, retry later", true},
		{"ffmpeg: invalid codec parameters", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := QuotaExhaustedStderr(tc.stderr); got != tc.want {
			t.Errorf("QuotaExhaustedStderr(%q) = %v, want %v", tc.stderr, got, tc.want)
		}
	}
}

func TestUploadAdmissionBoundary(t *testing.T) {
	f := newFixture(t, time.UTC, 0)
	ctx := context.Background()
	day := f.gate.Today()
	if err := f.quota.Add(ctx, nil, "chA", day, 8400); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	task := f.mkTask(t, "chA", types.StatusApproved)

	// 8400 + 1600 lands exactly on the limit: admitted.
	ok, done, err := f.gate.Admit(ctx, task, nil)
	if err != nil || !ok {
		t.Fatalf("Admit at boundary: ok=%v err=%v", ok, err)
	}
	done()
	if err := f.gate.RecordUpload(ctx, "chA"); err != nil {
		t.Fatalf("RecordUpload: %v", err)
	}

	// Budget is now fully spent; the next upload must be deferred.
	ok, _, err = f.gate.Admit(ctx, task, nil)
	if err != nil {
		t.Fatalf("Admit past limit: %v", err)
	}
	if ok {
		t.Fatal("admitted upload past daily limit")
	}
	if n := f.sink.count(AlertTaskReleased); n != 1 {
		t.Fatalf("task_released alerts = %d, want 1", n)
	}
	// RecordUpload drove usage to 100%: both thresholds fire exactly once.
	if n := f.sink.count(AlertQuotaThreshold); n != 2 {
		t.Fatalf("quota_threshold alerts = %d, want 2", n)
	}
}

func TestUploadDeferredUntilNextQuotaDay(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	f := newFixture(t, loc, 0)
	ctx := context.Background()
	if err := f.quota.Add(ctx, nil, "chA", f.gate.Today(), 9000); err != nil {
		t.Fatalf("seed quota: %v", err)
	}
	task := f.mkTask(t, "chA", types.StatusApproved)

	ok, _, err := f.gate.Admit(ctx, task, nil)
	if err != nil || ok {
		t.Fatalf("want deferral at 9000/10000, got ok=%v err=%v", ok, err)
	}
	if n := f.sink.count(AlertQuotaThreshold); n != 1 {
		t.Fatalf("80%% alert fired %d times, want 1", n)
	}

	// A retry inside the throttle window raises no second threshold alert.
	if ok, _, _ := f.gate.Admit(ctx, task, nil); ok {
		t.Fatal("admitted during exhaustion")
	}
	if n := f.sink.count(AlertQuotaThreshold); n != 1 {
		t.Fatalf("threshold alert not throttled: %d", n)
	}

	// After midnight in the quota timezone the day key rolls over and the
	// fresh budget admits the same task.
	f.clock = f.clock.Add(13 * time.Hour)
	ok, _, err = f.gate.Admit(ctx, task, nil)
	if err != nil || !ok {
		t.Fatalf("want admission on new quota day, got ok=%v err=%v", ok, err)
	}
}

func TestGeminiExhaustionFlag(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	f := newFixture(t, loc, 0)
	ctx := context.Background()
	task := f.mkTask(t, "chA", types.StatusClaimed)

	f.gate.NoteGeminiExhausted()
	ok, _, err := f.gate.Admit(ctx, task, nil)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if ok {
		t.Fatal("admitted asset generation while flag set")
	}
	got, err := f.tasks.GetByID(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.StatusQueued {
		t.Fatalf("released task status = %s, want queued", got.Status)
	}
	if !strings.Contains(got.ErrorLog, "gemini") {
		t.Fatalf("error log missing release reason: %q", got.ErrorLog)
	}

	// Flag clears at the next midnight in the quota timezone.
	f.clock = f.clock.Add(13 * time.Hour)
	task2 := f.mkTask(t, "chA", types.StatusClaimed)
	ok, _, err = f.gate.Admit(ctx, task2, nil)
	if err != nil || !ok {
		t.Fatalf("want admission after midnight, got ok=%v err=%v", ok, err)
	}
}

func TestGeminiFlagDefersCompositing(t *testing.T) {
	loc := time.FixedZone("UTC-8", -8*3600)
	f := newFixture(t, loc, 0)
	ctx := context.Background()
	task := f.mkTask(t, "chA", types.StatusAssetsApproved)

	f.gate.NoteGeminiExhausted()
	ok, _, err := f.gate.Admit(ctx, task, nil)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if ok {
		t.Fatal("admitted compositing while flag set")
	}
	// Unlike a fresh claim, an approved task keeps its status.
	got, err := f.tasks.GetByID(ctx, nil, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.StatusAssetsApproved {
		t.Fatalf("deferred task status = %s, want assets_approved", got.Status)
	}

	f.clock = f.clock.Add(13 * time.Hour)
	ok, _, err = f.gate.Admit(ctx, task, nil)
	if err != nil || !ok {
		t.Fatalf("want admission after midnight, got ok=%v err=%v", ok, err)
	}
}

func TestKlingCounterWithChannelOverride(t *testing.T) {
	f := newFixture(t, time.UTC, 3)
	ctx := context.Background()
	channel := &types.Channel{ID: "chA", MaxConcurrentVideo: 1}
	first := f.mkTask(t, "chA", types.StatusCompositesReady)
	second := f.mkTask(t, "chA", types.StatusCompositesReady)

	ok, done, err := f.gate.Admit(ctx, first, channel)
	if err != nil || !ok {
		t.Fatalf("first video admit: ok=%v err=%v", ok, err)
	}
	ok, _, err = f.gate.Admit(ctx, second, channel)
	if err != nil {
		t.Fatalf("second video admit: %v", err)
	}
	if ok {
		t.Fatal("admitted past channel video ceiling")
	}
	// Deferred tasks keep their status; nothing to roll back.
	got, err := f.tasks.GetByID(ctx, nil, second.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.StatusCompositesReady {
		t.Fatalf("deferred task status = %s, want composites_ready", got.Status)
	}

	done()
	ok, done2, err := f.gate.Admit(ctx, second, channel)
	if err != nil || !ok {
		t.Fatalf("admit after slot release: ok=%v err=%v", ok, err)
	}
	done2()
}

func TestNonGatedStatusesAdmit(t *testing.T) {
	f := newFixture(t, time.UTC, 0)
	ctx := context.Background()
	for _, status := range []types.TaskStatus{
		types.StatusAssetsApproved,
		types.StatusVideoApproved,
		types.StatusAudioApproved,
		types.StatusSFXReady,
		types.StatusAssemblyReady,
	} {
		task := f.mkTask(t, "chA", status)
		ok, done, err := f.gate.Admit(ctx, task, nil)
		if err != nil || !ok {
			t.Fatalf("status %s: ok=%v err=%v", status, ok, err)
		}
		done()
	}
}
