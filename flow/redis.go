// Redis stages implementing the remote-worker handoff protocol: Sink
// pushes a task onto a Redis list for an external worker to pick up,
// Source pulls work the same way in reverse, and Ack polls for the
// worker's result.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// wireEnvelope is the handoff schema the external worker consumes,
// shared by the Redis and NATS transports: {"id", "task", "emit_ts"}.
type wireEnvelope struct {
	ID     string  `json:"id"`
	Task   any     `json:"task"`
	EmitTS float64 `json:"emit_ts"`
}

// wireResult is the schema an external worker writes back via
// HSET output_key id <json>: {"status", "result"?, "error"?}.
type wireResult struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DefaultSinkWorkers bounds a sink stage's thread pool, so individual
// workers may block on the transport socket without stalling the graph.
const DefaultSinkWorkers = 4

// NewRedisSink builds a stage that serializes each task and RPUSHes it
// onto inputKey, returning the minted task id.
func NewRedisSink(client *redis.Client, inputKey string, opts ...Option) *Stage {
	fn := func(ctx context.Context, args ...any) (any, error) {
		var task any = args
		if len(args) == 1 {
			task = args[0]
		}
		taskID := ContentHash(task)
		payload := wireEnvelope{ID: taskID, Task: task, EmitTS: float64(time.Now().UnixNano()) / 1e9}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, NewUserFunctionError(err)
		}

		op := func() error {
			return client.RPush(ctx, inputKey, b).Err()
		}
		bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return nil, NewRemoteWorkerError(fmt.Sprintf("rpush %s failed: %v", inputKey, err))
		}
		return taskID, nil
	}

	allOpts := append([]Option{WithWorkerLimit(DefaultSinkWorkers), WithExecutionMode(ExecThread)}, opts...)
	s := NewStage("redis_sink", fn, allOpts...)
	s.className = "TaskRedisSink"
	return s
}

// NewRedisSource builds a stage that BLPOPs inputKey with the given
// timeout (0 = block forever) and returns the unpacked task. Each
// invocation performs exactly one BLPOP.
func NewRedisSource(client *redis.Client, inputKey string, timeout time.Duration, opts ...Option) *Stage {
	fn := func(ctx context.Context, _ ...any) (any, error) {
		res, err := client.BLPop(ctx, timeout, inputKey).Result()
		if err == redis.Nil {
			return nil, NewTimeoutError(fmt.Sprintf("redis source %s timed out after %s", inputKey, timeout))
		}
		if err != nil {
			return nil, NewRemoteWorkerError(err.Error())
		}
		var payload wireEnvelope
		if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
			return nil, NewUserFunctionError(fmt.Errorf("decode redis payload: %w", err))
		}
		return payload.Task, nil
	}

	s := NewStage("redis_source", fn, opts...)
	s.className = "TaskRedisSource"
	return s
}

// RedisAckPollInterval is the polling granularity for the Ack stage's
// HGET loop.
const RedisAckPollInterval = 100 * time.Millisecond

// NewRedisAck builds a stage that polls HGET outputKey <task_id> until a
// result appears, HDELs it, and returns the result on success or fails
// with RemoteWorkerError on status="error". timeout=0 disables the
// deadline.
func NewRedisAck(client *redis.Client, outputKey string, timeout time.Duration, opts ...Option) *Stage {
	fn := func(ctx context.Context, args ...any) (any, error) {
		taskID, ok := args[0].(string)
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("redis ack: expected string task id, got %T", args[0]), nil)
		}

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		for {
			val, err := client.HGet(callCtx, outputKey, taskID).Result()
			if err == redis.Nil {
				select {
				case <-callCtx.Done():
					return nil, NewTimeoutError(fmt.Sprintf("redis ack %s timed out", taskID))
				case <-time.After(RedisAckPollInterval):
					continue
				}
			}
			if err != nil {
				return nil, NewRemoteWorkerError(err.Error())
			}

			client.HDel(ctx, outputKey, taskID)

			var resp wireResult
			if err := json.Unmarshal([]byte(val), &resp); err != nil {
				return nil, NewUserFunctionError(fmt.Errorf("decode redis result: %w", err))
			}
			if resp.Status == "error" {
				return nil, NewRemoteWorkerError(resp.Error)
			}
			return resp.Result, nil
		}
	}

	s := NewStage("redis_ack", fn, opts...)
	s.className = "TaskRedisAck"
	return s
}
