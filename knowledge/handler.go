package knowledge

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"studyguide_back/authorization"
	"studyguide_back/stats"
)

const previewLimit = 2000

// Module wires the knowledge store and its admin routes.
type Module struct {
	store     *Store
	ledger    *stats.Ledger
	scheduler *Scheduler
	onChange  func(ctx context.Context, channelID string)
}

// NotifyChange registers a callback invoked after a channel's knowledge base
// is replaced or deleted, so downstream caches can drop state derived from
// the old material.
func (m *Module) NotifyChange(fn func(ctx context.Context, channelID string)) {
	m.onChange = fn
}

func (m *Module) channelChanged(ctx context.Context, channelID string) {
	if m.onChange != nil {
		m.onChange(ctx, channelID)
	}
}

// Store exposes the underlying knowledge store for other modules.
func (m *Module) Store() *Store {
	return m.store
}

// Scheduler exposes the backup scheduler so main can start it.
func (m *Module) Scheduler() *Scheduler {
	return m.scheduler
}

// RegisterRoutes 初始化知识库模块并注册所有管理路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, ledger *stats.Ledger) (*Module, error) {
	store, err := NewStoreFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{store: store, ledger: ledger, scheduler: NewScheduler(store)}

	adminGroup := router.Group("")
	if guard != nil {
		adminGroup.Use(guard.RequireAuthenticated(), guard.RequireRole("admin"))
	} else {
		adminGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	adminGroup.POST("/channels/:channel_id/knowledge", module.handleUpload)
	adminGroup.PUT("/channels/:channel_id/knowledge", module.handleUpload)
	adminGroup.GET("/channels/:channel_id/knowledge", module.handleGet)
	adminGroup.DELETE("/channels/:channel_id/knowledge", module.handleDelete)
	adminGroup.GET("/admin/status", module.handleStatus)
	adminGroup.POST("/admin/backup", module.handleBackup)

	return module, nil
}

func (m *Module) handleUpload(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	text, err := readUpload(fileHeader, m.store.MaxBytes())
	if err != nil {
		c.JSON(uploadStatus(err), gin.H{"error": err.Error()})
		return
	}

	if err := m.store.Put(c.Request.Context(), channelID, text); err != nil {
		c.JSON(uploadStatus(err), gin.H{"error": err.Error()})
		return
	}

	if m.ledger != nil {
		if err := m.ledger.TouchData(c.Request.Context(), channelID, int64(len(text))); err != nil {
			// The upload itself succeeded; the counter catches up next write.
			log.Printf("knowledge: record data update for %s: %v", channelID, err)
		}
	}

	// Replacing the material invalidates anything answered from the old copy.
	m.channelChanged(c.Request.Context(), channelID)

	c.JSON(http.StatusOK, gin.H{
		"channel_id": channelID,
		"size":       len(text),
		"line_count": countLines(text),
		"summary":    describeContent(text),
	})
}

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrInvalidEncoding),
		errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrUnsupportedUpload),
		errors.Is(err, ErrEmptyArchive):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (m *Module) handleGet(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	text, err := m.store.Get(c.Request.Context(), channelID)
	if err != nil {
		c.JSON(uploadStatus(err), gin.H{"error": err.Error()})
		return
	}

	truncated := false
	preview := text
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
		truncated = true
	}

	c.JSON(http.StatusOK, gin.H{
		"channel_id": channelID,
		"size":       len(text),
		"line_count": countLines(text),
		"preview":    preview,
		"truncated":  truncated,
	})
}

func (m *Module) handleDelete(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	if err := m.store.Delete(c.Request.Context(), channelID); err != nil {
		c.JSON(uploadStatus(err), gin.H{"error": err.Error()})
		return
	}

	if m.ledger != nil {
		if err := m.ledger.DeleteChannel(c.Request.Context(), channelID); err != nil {
			log.Printf("knowledge: clear counters for %s: %v", channelID, err)
		}
	}

	m.channelChanged(c.Request.Context(), channelID)

	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "deleted": true})
}

func (m *Module) handleStatus(c *gin.Context) {
	infos, err := m.store.Channels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list channels"})
		return
	}

	counters := map[string]stats.ChannelStat{}
	if m.ledger != nil {
		totals, err := m.ledger.Totals(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load channel counters"})
			return
		}
		for _, stat := range totals {
			counters[stat.ChannelID] = stat
		}
	}

	channels := make([]gin.H, 0, len(infos))
	for _, info := range infos {
		entry := gin.H{
			"channel_id": info.ChannelID,
			"size":       info.Size,
			"updated_at": info.UpdatedAt,
		}
		if stat, ok := counters[info.ChannelID]; ok {
			entry["question_count"] = stat.QuestionCount
			entry["last_active_at"] = stat.LastActiveAt
		} else {
			entry["question_count"] = 0
		}
		channels = append(channels, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"channel_count": len(channels),
		"channels":      channels,
	})
}

func (m *Module) handleBackup(c *gin.Context) {
	report, err := m.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func countLines(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return strings.Count(trimmed, "\n") + 1
}
