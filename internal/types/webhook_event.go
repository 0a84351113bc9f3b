package types

import (
	"time"
	"gorm.io/datatypes"
)

// WebhookEvent is one planning-database change notification. The unique
// event_id is the replay-protection key: duplicate deliveries insert nothing.
type WebhookEvent struct {
	EventID    string         `gorm:"column:event_id;primaryKey" json:"event_id"`
	Payload    datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Processed  bool           `gorm:"column:processed;not null;default:false;index" json:"processed"`
	ReceivedAt time.Time      `gorm:"column:received_at;not null" json:"received_at"`
}

func (WebhookEvent) TableName() string { return "webhook_event" }
