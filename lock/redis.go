// Package lock serialises payment attempts on the same card reader across
// terminal processes.
package lock

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teur/pos"
)

const keyPrefix = "teur:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a pos.Locker using SET NX with an expiry. A holder that dies
// leaves the lock to expire after its TTL.
type Redis struct {
	client redis.UniversalClient
	logger *zap.Logger
}

var _ pos.Locker = (*Redis)(nil)

// NewRedis wraps a connected client.
func NewRedis(client redis.UniversalClient, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, logger: logger}
}

// NewClient connects to addr, which is either host:port or a redis:// URL.
func NewClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("lock: parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// Acquire takes key for ttl. A held key fails with a Busy error.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, pos.NewTransportError("could not reach lock store", pos.WithCause(fmt.Errorf("lock: acquire %s: %w", key, err)))
	}
	if !ok {
		return nil, pos.NewError(pos.Busy, pos.ReaderLocked, fmt.Sprintf("%s is in use by another terminal", key),
			pos.WithStatusCode(http.StatusConflict))
	}
	r.logger.Debug("Lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + key}, token).Err(); err != nil {
			r.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
