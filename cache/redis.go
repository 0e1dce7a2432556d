package cache

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	clientOnce sync.Once
	client     *redis.Client
	clientErr  error
)

// Client returns a singleton Redis client configured from environment
// variables. REDIS_ADDR defaults to localhost:6379 when unset; REDIS_DB and
// REDIS_PASSWORD are optional. A ping failure is remembered so callers treat
// Redis as absent instead of re-dialing on every request.
func Client() (*redis.Client, error) {
	clientOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
		if addr == "" {
			addr = "localhost:6379"
		}
		db := 0
		if raw := strings.TrimSpace(os.Getenv("REDIS_DB")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				db = parsed
			}
		}

		c := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := c.Ping(ctx).Err(); err != nil {
			clientErr = fmt.Errorf("cache: ping redis %s failed: %w", addr, err)
			_ = c.Close()
			return
		}

		client = c
	})

	return client, clientErr
}

// Close releases the shared Redis connection. Mainly useful for tests.
func Close() error {
	if client == nil {
		return nil
	}
	return client.Close()
}
