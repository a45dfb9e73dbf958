package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"appbench-orchestrator/pkg/rediskey"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes advancement of a single pipeline across workers and
// processes. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, pipelineID string) (release func(), err error)
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds "pipeline:lock:{id}" with SET NX PX. Only the holder of
// the token may delete the key.
type RedisLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, pipelineID string) (func(), error) {
	key := rediskey.PipelineLock(pipelineID)
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}

// LocalLocker only excludes goroutines of this process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) Acquire(_ context.Context, pipelineID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[pipelineID] {
		return nil, ErrLocked
	}
	l.held[pipelineID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, pipelineID)
			l.mu.Unlock()
		})
	}, nil
}

func isLocked(err error) bool { return errors.Is(err, ErrLocked) }
