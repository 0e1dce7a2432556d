package stats

import (
	"time"

	"gorm.io/datatypes"
)

// ChannelStat aggregates activity for one channel. Mutated only through
// Ledger calls so counters stay consistent with question_history.
type ChannelStat struct {
	ChannelID     string     `gorm:"primaryKey;size:64" json:"channel_id"`
	QuestionCount int64      `gorm:"not null;default:0" json:"question_count"`
	DataSize      int64      `gorm:"not null;default:0" json:"data_size"`
	DataUpdatedAt *time.Time `json:"data_updated_at,omitempty"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (ChannelStat) TableName() string {
	return "channel_stats"
}

// QuestionRecord is one answered (or failed) query. Rows are append-only.
type QuestionRecord struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	ChannelID string         `gorm:"size:64;not null;index:idx_history_channel_time,priority:1" json:"channel_id"`
	UserID    string         `gorm:"size:64;not null;index" json:"user_id"`
	Question  string         `gorm:"type:text;not null" json:"question"`
	Answer    string         `gorm:"type:text" json:"answer"`
	LatencyMs int64          `gorm:"not null;default:0" json:"latency_ms"`
	ErrorFlag bool           `gorm:"not null;default:false" json:"error_flag"`
	ErrCode   *string        `gorm:"size:64" json:"err_code,omitempty"`
	Extras    datatypes.JSON `gorm:"type:json" json:"extras,omitempty"`
	CreatedAt time.Time      `gorm:"index:idx_history_channel_time,priority:2" json:"created_at"`
}

func (QuestionRecord) TableName() string {
	return "question_history"
}
