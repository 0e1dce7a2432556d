package qa

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"studyguide_back/authorization"
	"studyguide_back/cache"
	"studyguide_back/knowledge"
	"studyguide_back/llm"
	"studyguide_back/ratelimit"
	"studyguide_back/stats"
)

// Module wires the question pipeline and its routes.
type Module struct {
	pipeline *Pipeline
	ledger   *stats.Ledger
	store    *knowledge.Store
}

// Pipeline exposes the pipeline to other modules.
func (m *Module) Pipeline() *Pipeline {
	return m.pipeline
}

type askRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Question string `json:"question" binding:"required"`
}

// RegisterRoutes 初始化问答模块并注册提问与统计路由。
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, store *knowledge.Store, ledger *stats.Ledger) (*Module, error) {
	completer, err := llm.NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}

	var redisCache *answerCache
	if client, err := cache.Client(); err != nil {
		log.Printf("qa: answer cache disabled: %v", err)
	} else {
		redisCache = newAnswerCache(client)
	}

	pipeline := newPipeline(
		ratelimit.NewGateFromEnv(),
		store,
		completer,
		NewTrackerFromEnv(),
		NewFilterFromEnv(),
		redisCache,
		ledger,
		retryAttemptsFromEnv(),
	)

	module := &Module{pipeline: pipeline, ledger: ledger, store: store}

	router.POST("/channels/:channel_id/ask", module.handleAsk)
	router.GET("/channels/:channel_id/ask/stream", module.handleAskStream)
	router.GET("/channels/:channel_id/stats", module.handleStats)
	router.GET("/help", module.handleHelp)

	adminGroup := router.Group("")
	if guard != nil {
		adminGroup.Use(guard.RequireAuthenticated(), guard.RequireRole("admin"))
	} else {
		adminGroup.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing"})
		})
	}
	adminGroup.GET("/channels/:channel_id/debug", module.handleDebug)
	adminGroup.GET("/channels/:channel_id/history", module.handleHistory)

	return module, nil
}

func (m *Module) handleAsk(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and question are required"})
		return
	}

	answer, err := m.pipeline.Answer(c.Request.Context(), channelID, strings.TrimSpace(req.UserID), req.Question)
	if err != nil {
		status, payload := askFailure(err)
		c.JSON(status, payload)
		return
	}

	c.JSON(http.StatusOK, answer)
}

func askFailure(err error) (int, gin.H) {
	var limited *RateLimitedError
	switch {
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		return http.StatusTooManyRequests, gin.H{
			"error":               "you are asking too quickly, slow down",
			"retry_after_seconds": seconds,
		}
	case errors.Is(err, ErrEmptyQuestion):
		return http.StatusBadRequest, gin.H{"error": "question must not be empty"}
	case errors.Is(err, ErrNoKnowledgeBase), errors.Is(err, knowledge.ErrInvalidChannel):
		return http.StatusNotFound, gin.H{"error": "this channel has no study material yet"}
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout, gin.H{"error": "the model took too long to answer, try again"}
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway, gin.H{"error": "the model is unavailable right now, try again"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "failed to answer the question"}
	}
}

func (m *Module) handleStats(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	summary, err := m.ledger.Stats(c.Request.Context(), channelID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load channel stats"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (m *Module) handleHelp(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"commands": []gin.H{
			{"method": "POST", "path": "/channels/:channel_id/ask", "description": "ask a question against the channel's study material"},
			{"method": "GET", "path": "/channels/:channel_id/ask/stream", "description": "websocket variant of ask that streams the answer"},
			{"method": "GET", "path": "/channels/:channel_id/stats", "description": "usage counters for the channel"},
			{"method": "GET", "path": "/help", "description": "this help text"},
		},
		"notes": []string{
			"each user can ask once per cooldown window",
			"answers draw on the uploaded study material first",
		},
	})
}

func (m *Module) handleDebug(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	snapshot, ok := m.pipeline.Debug(channelID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no exchange recorded for this channel yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "last_exchange": snapshot})
}

func (m *Module) handleHistory(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := m.ledger.History(c.Request.Context(), channelID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load channel history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"channel_id": channelID, "records": records})
}
