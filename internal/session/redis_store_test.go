package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", time.Minute); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	release, err := store.Acquire(ctx, "prj_a", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := store.Acquire(waitCtx, "prj_a", 10*time.Second); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	other, err := store.Acquire(ctx, "prj_b", 10*time.Second)
	if err != nil {
		t.Fatalf("locks for different names must not collide: %v", err)
	}
	other()

	release()
	again, err := store.Acquire(ctx, "prj_a", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
	again()
}

func TestReleaseDoesNotDropForeignLock(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	release, err := store.Acquire(ctx, "prj_a", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	mr.FastForward(2 * time.Second)

	second, err := store.Acquire(ctx, "prj_a", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}
	release()

	if !mr.Exists("postwork:lock:prj_a") {
		t.Fatal("stale release removed the new holder's lock")
	}
	second()
	if mr.Exists("postwork:lock:prj_a") {
		t.Fatal("release did not remove the lock")
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := store.PublishPresence(ctx, "prj_a/ver_1", []PresenceEntry{{UserID: "usr_1", Name: "Ada", JoinedAt: joined}})
	if err != nil {
		t.Fatalf("PublishPresence failed: %v", err)
	}

	entries, err := store.Presence(ctx, "prj_a/ver_1")
	if err != nil {
		t.Fatalf("Presence failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Ada" || !entries[0].JoinedAt.Equal(joined) {
		t.Fatalf("unexpected presence %+v", entries)
	}

	rooms, err := store.ActiveRooms(ctx)
	if err != nil || len(rooms) != 1 || rooms[0] != "prj_a/ver_1" {
		t.Fatalf("ActiveRooms = %v, %v", rooms, err)
	}

	mr.FastForward(2 * time.Minute)
	rooms, err = store.ActiveRooms(ctx)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("expired presence should drop the room, got %v, %v", rooms, err)
	}
}

func TestPublishEmptyPresenceClearsRoom(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.PublishPresence(ctx, "prj_a/ver_1", []PresenceEntry{{UserID: "usr_1"}}); err != nil {
		t.Fatalf("PublishPresence failed: %v", err)
	}
	if err := store.PublishPresence(ctx, "prj_a/ver_1", nil); err != nil {
		t.Fatalf("PublishPresence(nil) failed: %v", err)
	}
	entries, err := store.Presence(ctx, "prj_a/ver_1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty presence, got %v, %v", entries, err)
	}
	rooms, _ := store.ActiveRooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("expected no rooms, got %v", rooms)
	}
}
