package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestLease(t *testing.T) (*RedisLease, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	l, err := NewRedisLease("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis lease: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, s
}

func TestNewRedisLease(t *testing.T) {
	l, _ := setupTestLease(t)
	if err := l.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisLeaseInvalidURL(t *testing.T) {
	if _, err := NewRedisLease("not-a-url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := setupTestLease(t)
	ctx := context.Background()

	token, ok, err := l.Acquire(ctx, "heartbeat", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire: token=%q ok=%v err=%v", token, ok, err)
	}

	_, ok, err = l.Acquire(ctx, "heartbeat", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should not succeed while the lease is held")
	}

	if _, ok, _ := l.Acquire(ctx, "feedback", time.Minute); !ok {
		t.Fatal("different lease names must not block each other")
	}
}

func TestLeaseExpires(t *testing.T) {
	l, s := setupTestLease(t)
	ctx := context.Background()

	if _, ok, _ := l.Acquire(ctx, "challenges", 30*time.Second); !ok {
		t.Fatal("expected acquire")
	}
	s.FastForward(31 * time.Second)

	if _, ok, _ := l.Acquire(ctx, "challenges", 30*time.Second); !ok {
		t.Fatal("expected acquire after expiry")
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	l, s := setupTestLease(t)
	ctx := context.Background()

	token, _, _ := l.Acquire(ctx, "heartbeat", time.Minute)

	if err := l.Release(ctx, "heartbeat", "lease_someone_else"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !s.Exists("claporcrap:lease:heartbeat") {
		t.Fatal("foreign token must not release the lease")
	}

	if err := l.Release(ctx, "heartbeat", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s.Exists("claporcrap:lease:heartbeat") {
		t.Fatal("owner release should delete the key")
	}
	if err := l.Release(ctx, "heartbeat", ""); err == nil {
		t.Fatal("empty token should be rejected")
	}
}
