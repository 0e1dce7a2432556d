package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultHistoryLimit = 50

// Ledger is the durable record of per-channel and per-question statistics.
type Ledger struct {
	db *gorm.DB
}

// NewLedger wires a ledger on top of an existing database handle and runs
// migrations for its tables.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("stats: database connection is required")
	}
	if err := db.AutoMigrate(&ChannelStat{}, &QuestionRecord{}); err != nil {
		return nil, fmt.Errorf("stats: migrate models: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenFromEnv opens the database configured via DATABASE_* variables and
// returns a migrated ledger.
func OpenFromEnv() (*Ledger, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	return NewLedger(db)
}

// Record appends a QuestionRecord and, for successful answers, bumps the
// channel counters in the same transaction so stats never drift from the
// underlying history. Failed queries are appended with error_flag=true and
// leave question_count untouched.
func (l *Ledger) Record(ctx context.Context, rec *QuestionRecord) error {
	if l == nil || l.db == nil {
		return errors.New("stats: ledger not initialized")
	}
	if rec == nil {
		return errors.New("stats: record is required")
	}
	if rec.ChannelID == "" || rec.UserID == "" {
		return errors.New("stats: channel_id and user_id are required")
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if rec.ErrorFlag {
			return nil
		}

		now := time.Now().UTC()
		stat := ChannelStat{ChannelID: rec.ChannelID, QuestionCount: 1, LastActiveAt: &now}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "channel_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"question_count": gorm.Expr("question_count + ?", 1),
				"last_active_at": now,
				"updated_at":     now,
			}),
		}).Create(&stat).Error
	})
}

// TouchData records knowledge-base size and upload time for a channel,
// creating the stat row when the channel is new.
func (l *Ledger) TouchData(ctx context.Context, channelID string, size int64) error {
	if l == nil || l.db == nil {
		return errors.New("stats: ledger not initialized")
	}

	now := time.Now().UTC()
	stat := ChannelStat{ChannelID: channelID, DataSize: size, DataUpdatedAt: &now}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"data_size":       size,
			"data_updated_at": now,
			"updated_at":      now,
		}),
	}).Create(&stat).Error
}

// UserCount pairs a user with the number of questions they asked.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int64  `json:"count"`
}

// ChannelSummary is the read model backing the /stats surface.
type ChannelSummary struct {
	ChannelID     string     `json:"channel_id"`
	QuestionCount int64      `json:"question_count"`
	DistinctUsers int64      `json:"distinct_users"`
	DataSize      int64      `json:"data_size"`
	DataUpdatedAt *time.Time `json:"data_updated_at,omitempty"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
	TopAskers     []UserCount `json:"top_askers"`
}

// Stats returns the aggregated view for one channel. distinct_users and the
// top-asker list are derived from history at read time.
func (l *Ledger) Stats(ctx context.Context, channelID string) (*ChannelSummary, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("stats: ledger not initialized")
	}

	var stat ChannelStat
	err := l.db.WithContext(ctx).Where("channel_id = ?", channelID).Take(&stat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stat = ChannelStat{ChannelID: channelID}
		} else {
			return nil, err
		}
	}

	summary := &ChannelSummary{
		ChannelID:     channelID,
		QuestionCount: stat.QuestionCount,
		DataSize:      stat.DataSize,
		DataUpdatedAt: stat.DataUpdatedAt,
		LastActiveAt:  stat.LastActiveAt,
		TopAskers:     []UserCount{},
	}

	var distinct int64
	if err := l.db.WithContext(ctx).
		Model(&QuestionRecord{}).
		Where("channel_id = ? AND error_flag = ?", channelID, false).
		Distinct("user_id").
		Count(&distinct).Error; err != nil {
		return nil, err
	}
	summary.DistinctUsers = distinct

	var top []UserCount
	if err := l.db.WithContext(ctx).
		Model(&QuestionRecord{}).
		Select("user_id, COUNT(*) as count").
		Where("channel_id = ? AND error_flag = ?", channelID, false).
		Group("user_id").
		Order("count DESC").
		Limit(5).
		Find(&top).Error; err != nil {
		return nil, err
	}
	summary.TopAskers = top

	return summary, nil
}

// History returns the most recent records for a channel, newest first.
func (l *Ledger) History(ctx context.Context, channelID string, limit int) ([]QuestionRecord, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("stats: ledger not initialized")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var records []QuestionRecord
	err := l.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Totals lists every channel's stat row ordered by question count, for the
// admin status surface.
func (l *Ledger) Totals(ctx context.Context) ([]ChannelStat, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("stats: ledger not initialized")
	}

	var rows []ChannelStat
	err := l.db.WithContext(ctx).
		Order("question_count DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteChannel removes the stat row and history for a channel. Called
// alongside knowledge-base deletion; history rows are otherwise immutable.
func (l *Ledger) DeleteChannel(ctx context.Context, channelID string) error {
	if l == nil || l.db == nil {
		return errors.New("stats: ledger not initialized")
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("channel_id = ?", channelID).Delete(&QuestionRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("channel_id = ?", channelID).Delete(&ChannelStat{}).Error
	})
}
