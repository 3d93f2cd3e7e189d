// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"order-agent/internal/toolrpc"
)

const idempotencyKeyPrefix = "orderagent:idem:"

// IdempotencyRedis Redis 幂等存储；SETNX 保证占位原子性，TTL 由 Redis 过期承担。
// 多个工具服务端实例共享去重状态时使用
type IdempotencyRedis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyRedis 创建 Redis 幂等存储
func NewIdempotencyRedis(client *redis.Client, ttl time.Duration) *IdempotencyRedis {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRedis{client: client, ttl: ttl}
}

func (s *IdempotencyRedis) Reserve(ctx context.Context, key, argsHash string) (ReserveOutcome, toolrpc.Result, error) {
	pending, _ := json.Marshal(IdempotencyRecord{ArgsHash: argsHash, CreatedAt: time.Now()})
	redisKey := idempotencyKeyPrefix + key
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.client.SetNX(ctx, redisKey, pending, s.ttl).Result()
		if err != nil {
			return 0, toolrpc.Result{}, err
		}
		if ok {
			return OutcomeReserved, toolrpc.Result{}, nil
		}
		data, err := s.client.Get(ctx, redisKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// 占位在 SetNX 与 Get 之间过期，重试一次
				continue
			}
			return 0, toolrpc.Result{}, err
		}
		var record IdempotencyRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return 0, toolrpc.Result{}, err
		}
		if record.ArgsHash != argsHash {
			return OutcomeMismatch, toolrpc.Result{}, nil
		}
		if !record.Done {
			return OutcomeInFlight, toolrpc.Result{}, nil
		}
		return OutcomeReplay, record.Result, nil
	}
	return OutcomeInFlight, toolrpc.Result{}, nil
}

func (s *IdempotencyRedis) Complete(ctx context.Context, key string, result toolrpc.Result) error {
	data, err := s.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if err != nil {
		return err
	}
	var record IdempotencyRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return err
	}
	record.Done = true
	record.Result = result
	updated, _ := json.Marshal(record)
	return s.client.Set(ctx, idempotencyKeyPrefix+key, updated, s.ttl).Err()
}

func (s *IdempotencyRedis) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
