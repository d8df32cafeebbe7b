package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestReplayGuardFirstSeen(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(Options(mr.Addr(), "", 0))
	g := NewReplayGuard(rdb, time.Minute, "test:")
	defer g.Close()
	ctx := context.Background()

	first, err := g.FirstSeen(ctx, "wamid.1:delivered:0")
	if err != nil || !first {
		t.Fatalf("first = %v err = %v", first, err)
	}
	again, err := g.FirstSeen(ctx, "wamid.1:delivered:0")
	if err != nil || again {
		t.Fatalf("replay = %v err = %v", again, err)
	}
	if ttl := mr.TTL("test:wamid.1:delivered:0"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	if err := g.Forget(ctx, "wamid.1:delivered:0"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if again, _ := g.FirstSeen(ctx, "wamid.1:delivered:0"); !again {
		t.Fatal("forgotten key should be first-seen again")
	}
}

func TestReplayGuardExpires(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	g := NewReplayGuard(redis.NewClient(Options(mr.Addr(), "", 0)), time.Minute, "")
	defer g.Close()
	ctx := context.Background()

	if _, err := g.FirstSeen(ctx, "k"); err != nil {
		t.Fatalf("first: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if first, _ := g.FirstSeen(ctx, "k"); !first {
		t.Fatal("expired key should be first-seen again")
	}
	if err := g.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestReplayGuardUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	g := NewReplayGuard(redis.NewClient(Options(mr.Addr(), "", 0)), time.Minute, "")
	defer g.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := g.FirstSeen(ctx, "k"); err == nil {
		t.Fatal("expected error with redis down")
	}
}
