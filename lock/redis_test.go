package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/teur/pos"
)

func newTestLocker(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := NewClient(addr)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewRedis(client, nil)
}

func TestRedisAcquireContention(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "reader:" + uuid.NewString()

	unlock, err := l.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = l.Acquire(ctx, key, time.Minute)
	if pos.KindOf(err) != pos.Busy {
		t.Fatalf("expected busy error, got %v", err)
	}
	var perr *pos.Error
	if !errors.As(err, &perr) || perr.Code != pos.ReaderLocked {
		t.Fatalf("expected reader_locked code, got %v", err)
	}

	unlock()
	unlock2, err := l.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire after unlock: %v", err)
	}
	unlock2()
}

func TestRedisUnlockKeepsForeignLock(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()
	key := "reader:" + uuid.NewString()

	unlock, err := l.Acquire(ctx, key, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	unlock2, err := l.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	defer unlock2()

	// The first holder's lease expired; its unlock must not free the new one.
	unlock()
	if _, err := l.Acquire(ctx, key, time.Minute); pos.KindOf(err) != pos.Busy {
		t.Fatalf("expected lock to stay held, got %v", err)
	}
}

func TestNewClientParsesURL(t *testing.T) {
	t.Parallel()

	c, err := NewClient("redis://:pw@cache.internal:6380/2")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer c.Close()
	opts := c.Options()
	if opts.Addr != "cache.internal:6380" || opts.DB != 2 || opts.Password != "pw" {
		t.Fatalf("unexpected options addr=%s db=%d", opts.Addr, opts.DB)
	}

	if _, err := NewClient("redis://%zz"); err == nil {
		t.Fatal("expected parse error")
	}
}
