package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"abode/collab/internal/presence"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisMirror, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror, s
}

func TestNewRedisMirror(t *testing.T) {
	mirror, _ := setupTestRedis(t, time.Minute)
	if err := mirror.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisMirrorInvalidURL(t *testing.T) {
	if _, err := NewRedisMirror("not-a-url", time.Minute); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestPutAndActiveUsers(t *testing.T) {
	mirror, _ := setupTestRedis(t, time.Minute)
	ctx := context.Background()
	joined := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	for i, s := range []presence.Session{
		{ProjectID: "project-123", UserID: "user-2", DisplayName: "Bob", JoinedAt: joined.Add(time.Second)},
		{ProjectID: "project-123", UserID: "user-1", DisplayName: "Alice", JoinedAt: joined},
	} {
		if err := mirror.Put(ctx, s); err != nil {
			t.Fatalf("Put #%d failed: %v", i, err)
		}
	}

	users, err := mirror.ActiveUsers(ctx, "project-123")
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].DisplayName != "Alice" || users[1].DisplayName != "Bob" {
		t.Fatalf("unexpected users %+v", users)
	}

	if err := mirror.Remove(ctx, "project-123", "user-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	users, err = mirror.ActiveUsers(ctx, "project-123")
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "user-2" {
		t.Fatalf("unexpected users after remove %+v", users)
	}
}

func TestExpiredSessionsArePruned(t *testing.T) {
	mirror, s := setupTestRedis(t, 30*time.Second)
	ctx := context.Background()

	if err := mirror.Put(ctx, presence.Session{ProjectID: "p", UserID: "u1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mirror.Put(ctx, presence.Session{ProjectID: "p", UserID: "u2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.FastForward(20 * time.Second)
	ok, err := mirror.Touch(ctx, "p", "u2")
	if err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	s.FastForward(20 * time.Second)

	users, err := mirror.ActiveUsers(ctx, "p")
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "u2" {
		t.Fatalf("unexpected users %+v", users)
	}
	if s.Exists("presence:p:user:u1") {
		t.Fatal("expired key still present")
	}
	members, err := s.Members("presence:p:members")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("stale member not pruned: %v", members)
	}

	ok, err = mirror.Touch(ctx, "p", "u1")
	if err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if ok {
		t.Fatal("Touch on expired session should report false")
	}
}

func TestActiveUsersEmpty(t *testing.T) {
	mirror, _ := setupTestRedis(t, time.Minute)
	users, err := mirror.ActiveUsers(context.Background(), "none")
	if err != nil {
		t.Fatalf("ActiveUsers failed: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no users, got %d", len(users))
	}
}
