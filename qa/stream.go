package qa

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"studyguide_back/llm"
)

var askUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type streamFrame struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	LatencyMs  int64  `json:"latency_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// handleAskStream answers one question over a websocket, forwarding model
// deltas as they arrive and closing with a final frame.
func (m *Module) handleAskStream(c *gin.Context) {
	channelID := strings.TrimSpace(c.Param("channel_id"))

	conn, err := askUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	var req askRequest
	if err := conn.ReadJSON(&req); err != nil {
		writeStreamError(conn, "expected a JSON frame with user_id and question", 0)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Question) == "" {
		writeStreamError(conn, "user_id and question are required", 0)
		return
	}

	answer, err := m.pipeline.AnswerStream(c.Request.Context(), channelID, strings.TrimSpace(req.UserID), req.Question,
		func(delta llm.ChatStreamDelta) error {
			if delta.Content == "" {
				return nil
			}
			return conn.WriteJSON(streamFrame{Type: "delta", Delta: delta.Content})
		})
	if err != nil {
		status, payload := askFailure(err)
		frame := streamFrame{Type: "error", Error: payload["error"].(string)}
		if status == http.StatusTooManyRequests {
			if seconds, ok := payload["retry_after_seconds"].(int); ok {
				frame.RetryAfter = seconds
			}
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Printf("qa: write stream error frame: %v", err)
		}
		return
	}

	if err := conn.WriteJSON(streamFrame{
		Type:      "final",
		Answer:    answer.Text,
		Cached:    answer.Cached,
		LatencyMs: answer.LatencyMs,
	}); err != nil {
		log.Printf("qa: write stream final frame: %v", err)
	}
}

func writeStreamError(conn *websocket.Conn, message string, retryAfter int) {
	if err := conn.WriteJSON(streamFrame{Type: "error", Error: message, RetryAfter: retryAfter}); err != nil {
		log.Printf("qa: write stream error frame: %v", err)
	}
}
