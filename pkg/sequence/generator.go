package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out short human readable run codes.
type Generator interface {
	NextPipelineCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb   *redis.Client
	clock clock.Clock
}

type Params struct {
	fx.In

	Redis *redis.Client
	Clock clock.Clock
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb:   p.Redis,
		clock: p.Clock,
	}
}

func (g *RedisGenerator) NextPipelineCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PL")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.clock.Now().UTC()
	today := now.Format("060102")
	key := fmt.Sprintf("seq:%s:%s", prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24*time.Hour - time.Second)
		_ = g.rdb.Expire(ctx, key, endOfDay.Sub(now)).Err()
	}

	// base36, padded to three characters
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	randSuffix, _ := randomAlphaNumeric(2)

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
