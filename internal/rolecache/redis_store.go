// Package rolecache caches resolved effective roles in Redis. The cache is
// advisory: a miss or a Redis failure just sends the resolver back to the
// database.
package rolecache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore caches one effective role per (project, user) pair.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed role cache.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "role:",
		ttl:    ttl,
	}, nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "role:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(projectID, userID string) string {
	return s.prefix + projectID + ":" + userID
}

// GetRole returns the cached role, or ok=false on a miss.
func (s *RedisStore) GetRole(ctx context.Context, projectID, userID string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(projectID, userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached role: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) SetRole(ctx context.Context, projectID, userID, role string) error {
	if err := s.client.Set(ctx, s.key(projectID, userID), role, s.ttl).Err(); err != nil {
		return fmt.Errorf("set cached role: %w", err)
	}
	return nil
}

// InvalidateUser drops every cached role for one user across all projects.
// Needed when a site-level role changes, which shifts the user's effective
// role in every project of that site.
func (s *RedisStore) InvalidateUser(ctx context.Context, userID string) error {
	return s.deleteByPattern(ctx, s.prefix+"*:"+userID)
}

// InvalidateProject drops every cached role for one project.
func (s *RedisStore) InvalidateProject(ctx context.Context, projectID string) error {
	return s.deleteByPattern(ctx, s.prefix+projectID+":*")
}

func (s *RedisStore) deleteByPattern(ctx context.Context, pattern string) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cached roles: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete cached roles: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
