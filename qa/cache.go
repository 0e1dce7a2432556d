package qa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	answerCacheTTL     = 5 * time.Minute
	answerCacheTimeout = 300 * time.Millisecond
)

// answerCache remembers recent answers so repeated questions in a channel
// skip the upstream model. Best effort only; a missing or failing Redis
// never blocks a question.
type answerCache struct {
	client *redis.Client
}

func newAnswerCache(client *redis.Client) *answerCache {
	if client == nil {
		return nil
	}
	return &answerCache{client: client}
}

func (a *answerCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), answerCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= answerCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, answerCacheTimeout)
}

func (a *answerCache) key(channelID, question string) string {
	if a == nil || a.client == nil {
		return ""
	}
	normalized := strings.ToLower(strings.Join(strings.Fields(question), " "))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return "qa:answer:" + channelID + ":" + hex.EncodeToString(sum[:])
}

func (a *answerCache) get(ctx context.Context, channelID, question string) (string, bool) {
	if a == nil || a.client == nil {
		return "", false
	}
	key := a.key(channelID, question)
	if key == "" {
		return "", false
	}

	ctx, cancel := a.cacheContext(ctx)
	defer cancel()

	answer, err := a.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("qa: answer cache read failed: %v", err)
		}
		return "", false
	}
	return answer, answer != ""
}

func (a *answerCache) store(ctx context.Context, channelID, question, answer string) {
	if a == nil || a.client == nil || strings.TrimSpace(answer) == "" {
		return
	}
	key := a.key(channelID, question)
	if key == "" {
		return
	}

	ctx, cancel := a.cacheContext(ctx)
	defer cancel()

	if err := a.client.Set(ctx, key, answer, answerCacheTTL).Err(); err != nil {
		log.Printf("qa: answer cache write failed: %v", err)
	}
}

func (a *answerCache) invalidateChannel(ctx context.Context, channelID string) {
	if a == nil || a.client == nil {
		return
	}

	ctx, cancel := a.cacheContext(ctx)
	defer cancel()

	iter := a.client.Scan(ctx, 0, "qa:answer:"+channelID+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := a.client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Printf("qa: answer cache invalidate failed: %v", err)
			return
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("qa: answer cache scan failed: %v", err)
	}
}
