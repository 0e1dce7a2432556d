package stats

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite")

	ledger, err := NewLedger(db)
	require.NoError(t, err, "migrate ledger")
	return ledger
}

func TestRecordBumpsChannelCounters(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := ledger.Record(ctx, &QuestionRecord{
			ChannelID: "general",
			UserID:    "u1",
			Question:  "what is photosynthesis?",
			Answer:    "converting light to energy",
			LatencyMs: 120,
		})
		require.NoError(t, err)
	}

	summary, err := ledger.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.QuestionCount)
	assert.Equal(t, int64(1), summary.DistinctUsers)
	require.NotNil(t, summary.LastActiveAt)
}

func TestRecordFailureDoesNotCount(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	code := "upstream_timeout"
	err := ledger.Record(ctx, &QuestionRecord{
		ChannelID: "general",
		UserID:    "u1",
		Question:  "anyone there?",
		ErrorFlag: true,
		ErrCode:   &code,
	})
	require.NoError(t, err)

	summary, err := ledger.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.QuestionCount)

	history, err := ledger.History(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].ErrorFlag)
	require.NotNil(t, history[0].ErrCode)
	assert.Equal(t, "upstream_timeout", *history[0].ErrCode)
}

func TestStatsDistinctUsersAndTopAskers(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	asks := []struct {
		user  string
		count int
	}{
		{"alice", 4},
		{"bob", 2},
		{"carol", 1},
	}
	for _, ask := range asks {
		for i := 0; i < ask.count; i++ {
			require.NoError(t, ledger.Record(ctx, &QuestionRecord{
				ChannelID: "biology",
				UserID:    ask.user,
				Question:  "q",
				Answer:    "a",
			}))
		}
	}

	summary, err := ledger.Stats(ctx, "biology")
	require.NoError(t, err)
	assert.Equal(t, int64(7), summary.QuestionCount)
	assert.Equal(t, int64(3), summary.DistinctUsers)
	require.NotEmpty(t, summary.TopAskers)
	assert.Equal(t, "alice", summary.TopAskers[0].UserID)
	assert.Equal(t, int64(4), summary.TopAskers[0].Count)
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	questions := []string{"first", "second", "third"}
	for _, q := range questions {
		require.NoError(t, ledger.Record(ctx, &QuestionRecord{
			ChannelID: "general",
			UserID:    "u1",
			Question:  q,
			Answer:    "a",
		}))
		time.Sleep(5 * time.Millisecond)
	}

	history, err := ledger.History(ctx, "general", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "third", history[0].Question)
	assert.Equal(t, "second", history[1].Question)
}

func TestTouchDataCreatesAndUpdates(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.TouchData(ctx, "general", 1024))

	summary, err := ledger.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), summary.DataSize)
	require.NotNil(t, summary.DataUpdatedAt)

	require.NoError(t, ledger.TouchData(ctx, "general", 2048))
	summary, err = ledger.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), summary.DataSize)
}

func TestDeleteChannelRemovesStatsAndHistory(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.Record(ctx, &QuestionRecord{
		ChannelID: "general",
		UserID:    "u1",
		Question:  "q",
		Answer:    "a",
	}))
	require.NoError(t, ledger.DeleteChannel(ctx, "general"))

	summary, err := ledger.Stats(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.QuestionCount)

	history, err := ledger.History(ctx, "general", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRecordConcurrentFirstWrites(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- ledger.Record(ctx, &QuestionRecord{
				ChannelID: "fresh",
				UserID:    fmt.Sprintf("u%d", n),
				Question:  "first question",
				Answer:    "first answer",
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	summary, err := ledger.Stats(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), summary.QuestionCount)
	assert.Equal(t, int64(writers), summary.DistinctUsers)

	history, err := ledger.History(ctx, "fresh", 0)
	require.NoError(t, err)
	assert.Len(t, history, writers)
}
