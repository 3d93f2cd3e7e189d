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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"order-agent/internal/toolrpc"
)

// ReserveOutcome Reserve 的判定结果
type ReserveOutcome int

const (
	// OutcomeReserved 键未被占用，本次调用可执行
	OutcomeReserved ReserveOutcome = iota
	// OutcomeReplay 同键同参的已完成记录，直接重放缓存结果
	OutcomeReplay
	// OutcomeMismatch 同键不同参，拒绝
	OutcomeMismatch
	// OutcomeInFlight 同键调用执行中
	OutcomeInFlight
)

// IdempotencyRecord 幂等记录
type IdempotencyRecord struct {
	ArgsHash  string         `json:"args_hash"`
	Done      bool           `json:"done"`
	Result    toolrpc.Result `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// IdempotencyStore 幂等去重存储。Reserve 必须是原子的检查并占位：
// 并发同键调用至多一个拿到 OutcomeReserved
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, argsHash string) (ReserveOutcome, toolrpc.Result, error)
	// Complete 写入最终结果供后续重放
	Complete(ctx context.Context, key string, result toolrpc.Result) error
	// Release 撤销占位；执行因可重试故障中止时调用，让重试能再次执行
	Release(ctx context.Context, key string) error
}

// ArgsHash 工具名 + 入参的规范化哈希。encoding/json 对 map 键排序，
// 同一组参数无论调用方键序如何都得到同一哈希
func ArgsHash(tool string, args map[string]any) string {
	data, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(tool+"\x00"), data...))
	return hex.EncodeToString(sum[:])
}

// IdempotencyMem 内存幂等存储；记录到期后惰性回收，Sweep 做全量清理
type IdempotencyMem struct {
	mu      sync.Mutex
	records map[string]*IdempotencyRecord
	ttl     time.Duration
}

// NewIdempotencyMem 创建内存幂等存储；ttl<=0 表示记录不过期
func NewIdempotencyMem(ttl time.Duration) *IdempotencyMem {
	return &IdempotencyMem{records: make(map[string]*IdempotencyRecord), ttl: ttl}
}

func (s *IdempotencyMem) expired(record *IdempotencyRecord) bool {
	return s.ttl > 0 && time.Since(record.CreatedAt) > s.ttl
}

func (s *IdempotencyMem) Reserve(ctx context.Context, key, argsHash string) (ReserveOutcome, toolrpc.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok && !s.expired(record) {
		if record.ArgsHash != argsHash {
			return OutcomeMismatch, toolrpc.Result{}, nil
		}
		if !record.Done {
			return OutcomeInFlight, toolrpc.Result{}, nil
		}
		return OutcomeReplay, record.Result, nil
	}
	s.records[key] = &IdempotencyRecord{ArgsHash: argsHash, CreatedAt: time.Now()}
	return OutcomeReserved, toolrpc.Result{}, nil
}

func (s *IdempotencyMem) Complete(ctx context.Context, key string, result toolrpc.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records[key]; ok {
		record.Done = true
		record.Result = result
	}
	return nil
}

func (s *IdempotencyMem) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Sweep 清理过期记录，返回清理数量；由服务端定时调用
func (s *IdempotencyMem) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, record := range s.records {
		if s.expired(record) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}
