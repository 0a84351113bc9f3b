package types

import (
	"time"
	"github.com/google/uuid"
)

// Task is one unit of end-to-end video production. The row is the lifetime
// root; intermediate files are weakly referenced by workspace path.
type Task struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelID      string       `gorm:"column:channel_id;not null;index" json:"channel_id"`
	PlanningPageID string       `gorm:"column:planning_page_id;uniqueIndex" json:"planning_page_id"`
	Title          string       `gorm:"column:title;not null" json:"title"`
	Topic          string       `gorm:"column:topic" json:"topic"`
	StoryDirection string       `gorm:"column:story_direction" json:"story_direction"`
	Priority       TaskPriority `gorm:"column:priority;not null;default:normal" json:"priority"`
	Status         TaskStatus   `gorm:"column:status;not null;index" json:"status"`
	ErrorLog       string       `gorm:"column:error_log;type:text" json:"error_log,omitempty"`
	FinalVideoPath string       `gorm:"column:final_video_path" json:"final_video_path,omitempty"`
	CostUSD        float64      `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`
	HeartbeatAt    *time.Time   `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "task" }

// ProjectID is the identifier used for the task's workspace subtree.
func (t *Task) ProjectID() string { return t.ID.String() }
