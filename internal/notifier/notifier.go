package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/storyforge-backend/internal/gate"
	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/types"
)

const (
	EventTaskStatus = "task_status"
	EventAlert      = "alert"
)

// Event is the wire shape published on the redis channel and posted to the
// alert webhook.
type Event struct {
	Type      string     `json:"type"`
	TaskID    string     `json:"task_id,omitempty"`
	ChannelID string     `json:"channel_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Alert     *gate.Alert `json:"alert,omitempty"`
	At        time.Time  `json:"at"`
}

// Notifier fans events out to the log, an optional redis pub/sub channel for
// live dashboards, and an optional alert webhook. Every sink is best-effort;
// a failed publish never fails the pipeline.
type Notifier struct {
	log        *logger.Logger
	rdb        *goredis.Client
	channel    string
	webhookURL string
	httpClient *http.Client
}

// NewNotifier wires sinks from the environment. REDIS_ADDR and
// ALERT_WEBHOOK_URL are both optional; with neither set the notifier only
// logs.
func NewNotifier(baseLog *logger.Logger) (*Notifier, error) {
	n := &Notifier{
		log:        baseLog.With("service", "Notifier"),
		webhookURL: strings.TrimSpace(os.Getenv("ALERT_WEBHOOK_URL")),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:        addr,
			DialTimeout: 5 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		n.rdb = rdb
		n.channel = strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
		if n.channel == "" {
			n.channel = "orchestrator.events"
		}
	}
	return n, nil
}

func (n *Notifier) Close() {
	if n.rdb != nil {
		_ = n.rdb.Close()
	}
}

// PublishStatus announces a task's arrival in a new status.
func (n *Notifier) PublishStatus(ctx context.Context, task *types.Task) {
	n.log.Info("task status",
		"task_id", task.ID, "channel_id", task.ChannelID, "status", task.Status)
	n.publishRedis(ctx, Event{
		Type:      EventTaskStatus,
		TaskID:    task.ID.String(),
		ChannelID: task.ChannelID,
		Status:    string(task.Status),
		At:        time.Now().UTC(),
	})
}

// PublishAlert satisfies the gate's alert sink.
func (n *Notifier) PublishAlert(ctx context.Context, alert gate.Alert) {
	n.log.Warn("gate alert",
		"kind", alert.Kind, "channel_id", alert.ChannelID,
		"task_id", alert.TaskID, "reason", alert.Reason)
	event := Event{
		Type:      EventAlert,
		TaskID:    alert.TaskID,
		ChannelID: alert.ChannelID,
		Alert:     &alert,
		At:        time.Now().UTC(),
	}
	n.publishRedis(ctx, event)
	n.postWebhook(ctx, event)
}

func (n *Notifier) publishRedis(ctx context.Context, event Event) {
	if n.rdb == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("marshal event failed", "error", err)
		return
	}
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil && ctx.Err() == nil {
		n.log.Warn("redis publish failed", "error", err)
	}
}

func (n *Notifier) postWebhook(ctx context.Context, event Event) {
	if n.webhookURL == "" {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(raw))
	if err != nil {
		n.log.Warn("alert webhook request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			n.log.Warn("alert webhook post failed", "error", err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("alert webhook rejected", "status", resp.StatusCode)
	}
}
