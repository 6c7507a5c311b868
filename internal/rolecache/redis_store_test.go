package rolecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create role cache: %v", err)
	}
	return cache, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := NewRedisStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSetAndGetRole(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.SetRole(ctx, "proj_1", "user_1", "PM"); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}

	role, ok, err := cache.GetRole(ctx, "proj_1", "user_1")
	if err != nil {
		t.Fatalf("GetRole failed: %v", err)
	}
	if !ok || role != "PM" {
		t.Fatalf("GetRole = (%q, %v), want (PM, true)", role, ok)
	}

	_, ok, err = cache.GetRole(ctx, "proj_1", "user_2")
	if err != nil {
		t.Fatalf("GetRole failed: %v", err)
	}
	if ok {
		t.Fatal("expected a miss for an uncached user")
	}
}

func TestRoleEntryExpires(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.SetRole(ctx, "proj_1", "user_1", "MEMBER"); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	_, ok, err := cache.GetRole(ctx, "proj_1", "user_1")
	if err != nil {
		t.Fatalf("GetRole failed: %v", err)
	}
	if ok {
		t.Fatal("expected entry to expire after TTL")
	}
}

func TestInvalidateUser(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	for _, projectID := range []string{"proj_1", "proj_2"} {
		if err := cache.SetRole(ctx, projectID, "user_1", "ADMIN"); err != nil {
			t.Fatalf("SetRole failed: %v", err)
		}
	}
	if err := cache.SetRole(ctx, "proj_1", "user_2", "MEMBER"); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}

	if err := cache.InvalidateUser(ctx, "user_1"); err != nil {
		t.Fatalf("InvalidateUser failed: %v", err)
	}

	for _, projectID := range []string{"proj_1", "proj_2"} {
		if _, ok, _ := cache.GetRole(ctx, projectID, "user_1"); ok {
			t.Fatalf("expected %s entry for user_1 to be gone", projectID)
		}
	}
	if _, ok, _ := cache.GetRole(ctx, "proj_1", "user_2"); !ok {
		t.Fatal("expected user_2 entry to survive")
	}
}

func TestInvalidateProject(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.SetRole(ctx, "proj_1", "user_1", "PM"); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}
	if err := cache.SetRole(ctx, "proj_2", "user_1", "PM"); err != nil {
		t.Fatalf("SetRole failed: %v", err)
	}

	if err := cache.InvalidateProject(ctx, "proj_1"); err != nil {
		t.Fatalf("InvalidateProject failed: %v", err)
	}

	if _, ok, _ := cache.GetRole(ctx, "proj_1", "user_1"); ok {
		t.Fatal("expected proj_1 entry to be gone")
	}
	if _, ok, _ := cache.GetRole(ctx, "proj_2", "user_1"); !ok {
		t.Fatal("expected proj_2 entry to survive")
	}
}
