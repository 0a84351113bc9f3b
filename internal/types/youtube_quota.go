package types

import "time"

// YouTubeQuotaUsage is a per-channel daily upload budget counter keyed by
// (channel_id, date). Rows older than 7 days are purged.
type YouTubeQuotaUsage struct {
	ChannelID  string    `gorm:"column:channel_id;primaryKey" json:"channel_id"`
	Date       string    `gorm:"column:date;primaryKey;index" json:"date"`
	UnitsUsed  int64     `gorm:"column:units_used;not null;default:0" json:"units_used"`
	DailyLimit int64     `gorm:"column:daily_limit;not null;default:10000" json:"daily_limit"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (YouTubeQuotaUsage) TableName() string { return "youtube_quota_usage" }
