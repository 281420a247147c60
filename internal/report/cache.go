package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chastnik/mm-bot-jira2excel/internal/jira"
	"github.com/chastnik/mm-bot-jira2excel/internal/logging"
)

// RedisCache stores raw fetch results keyed by user, project set, and
// period. Any Redis error degrades to a miss; reports never fail because
// the cache is down.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    logging.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, log logging.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]jira.WorklogEntry, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn(ctx, "report cache read failed", "error", err)
		}
		return nil, false
	}
	var entries []jira.WorklogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.log.Warn(ctx, "report cache entry unreadable", "error", err)
		return nil, false
	}
	return entries, true
}

func (c *RedisCache) Put(ctx context.Context, key string, entries []jira.WorklogEntry) {
	raw, err := json.Marshal(entries)
	if err != nil {
		c.log.Warn(ctx, "report cache encode failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn(ctx, "report cache write failed", "error", err)
	}
}

// cacheKey format: report:<user>:<sha256 of sorted project list + period>.
// The digest keeps keys short regardless of how many projects are selected,
// and sorting makes the key order-independent.
func cacheKey(userID string, projectKeys []string, start, end time.Time) string {
	keys := append([]string(nil), projectKeys...)
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s",
		strings.Join(keys, ","),
		start.Format("2006-01-02"),
		end.Format("2006-01-02"))))
	return fmt.Sprintf("report:%s:%s", userID, hex.EncodeToString(sum[:8]))
}
