// Package queue fans evidence records out over Redis: every record is
// published on a global and a per-project channel and pushed onto a capped
// per-project list of recent records.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qualys/sbcompliance/internal/models"
)

const (
	DefaultPrefix    = "sbcompliance"
	DefaultRecentMax = 500
	recentTTL        = 7 * 24 * time.Hour
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	RecentMax int64
}

// redisClient is the subset of *redis.Client the queue uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type Queue struct {
	client    redisClient
	close     func() error
	prefix    string
	recentMax int64
}

// New connects to Redis and verifies the connection within 5 seconds.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	q := newQueue(client, cfg)
	q.close = client.Close
	return q, nil
}

func newQueue(client redisClient, cfg Config) *Queue {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RecentMax <= 0 {
		cfg.RecentMax = DefaultRecentMax
	}
	return &Queue{client: client, prefix: cfg.Prefix, recentMax: cfg.RecentMax}
}

func (q *Queue) Close() error {
	if q.close == nil {
		return nil
	}
	return q.close()
}

// Channel is the pub/sub channel carrying every record.
func (q *Queue) Channel() string { return q.prefix + ":evidence" }

// ProjectChannel is the pub/sub channel carrying the records of one project.
func (q *Queue) ProjectChannel(ref string) string { return q.prefix + ":evidence:" + ref }

func (q *Queue) recentKey(ref string) string { return q.prefix + ":recent:" + ref }

// Publish implements evidence.Sink.
func (q *Queue) Publish(ctx context.Context, rec models.EvidenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling evidence: %w", err)
	}

	if err := q.client.Publish(ctx, q.Channel(), data).Err(); err != nil {
		return fmt.Errorf("publishing evidence: %w", err)
	}

	ref := rec.Ref()
	if ref == "" {
		return nil
	}
	if err := q.client.Publish(ctx, q.ProjectChannel(ref), data).Err(); err != nil {
		return fmt.Errorf("publishing project evidence: %w", err)
	}

	key := q.recentKey(ref)
	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("pushing recent evidence: %w", err)
	}
	if err := q.client.LTrim(ctx, key, 0, q.recentMax-1).Err(); err != nil {
		return fmt.Errorf("trimming recent evidence: %w", err)
	}
	q.client.Expire(ctx, key, recentTTL)
	return nil
}

// Recent returns up to n of the project's latest records, newest first.
func (q *Queue) Recent(ctx context.Context, ref string, n int64) ([]models.EvidenceRecord, error) {
	if n <= 0 || n > q.recentMax {
		n = q.recentMax
	}
	items, err := q.client.LRange(ctx, q.recentKey(ref), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading recent evidence: %w", err)
	}

	records := make([]models.EvidenceRecord, 0, len(items))
	for _, item := range items {
		var rec models.EvidenceRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
