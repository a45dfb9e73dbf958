package analyzer

import (
	"context"
	"encoding/json"

	"appbench-orchestrator/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// ProgressEvent is what observers see for one progress frame.
type ProgressEvent struct {
	MainTaskID string   `json:"main_task_id"`
	SubtaskID  string   `json:"subtask_id"`
	Service    string   `json:"service"`
	Progress   Progress `json:"progress"`
}

type ProgressSink interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}

// RedisProgressSink publishes events on analysis:progress:<main_task_id>.
type RedisProgressSink struct {
	rdb *redis.Client
}

func NewRedisProgressSink(rdb *redis.Client) *RedisProgressSink {
	return &RedisProgressSink{rdb: rdb}
}

func (s *RedisProgressSink) Publish(ctx context.Context, ev ProgressEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, rediskey.ProgressChannel(ev.MainTaskID), body).Err()
}

type NopProgressSink struct{}

func (NopProgressSink) Publish(context.Context, ProgressEvent) error { return nil }
