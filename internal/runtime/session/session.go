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

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"order-agent/internal/toolrpc"
)

// PendingAction 等待用户确认的变更操作；确认后按原样执行
type PendingAction struct {
	Call      toolrpc.ToolCall
	Prompt    string
	CreatedAt time.Time
}

// Expired 判断挂起操作是否超过保留期
func (p *PendingAction) Expired(ttl time.Duration) bool {
	return ttl > 0 && time.Since(p.CreatedAt) > ttl
}

// Session 会话：对话历史与槽位的唯一状态载体
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []*Message     // 对话历史
	Slots    map[string]any // 跨回合记住的实体（订单号等）
	Pending  *PendingAction // 待确认操作，至多一个

	mu sync.RWMutex
}

// New 创建新 Session；id 为空时自动分配
func New(id string) *Session {
	now := time.Now()
	if id == "" {
		id = "session-" + uuid.New().String()
	}
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Slots:     make(map[string]any),
	}
}

// AddMessage 追加一条对话消息
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = time.Now()
	s.Messages = append(s.Messages, &Message{Role: role, Content: content, Timestamp: s.UpdatedAt})
}

// SlotGet 读取槽位
func (s *Session) SlotGet(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Slots[key]
	return v, ok
}

// SlotSet 写入槽位
func (s *Session) SlotSet(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = time.Now()
	if s.Slots == nil {
		s.Slots = make(map[string]any)
	}
	s.Slots[key] = value
}

// SetPending 记录待确认操作，覆盖旧的
func (s *Session) SetPending(call toolrpc.ToolCall, prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = time.Now()
	s.Pending = &PendingAction{Call: call, Prompt: prompt, CreatedAt: s.UpdatedAt}
}

// TakePending 取出并清除待确认操作；过期的直接丢弃
func (s *Session) TakePending(ttl time.Duration) *PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.Pending
	s.Pending = nil
	if pending == nil || pending.Expired(ttl) {
		return nil
	}
	return pending
}

// PeekPending 只读待确认操作；过期的视同不存在并清除
func (s *Session) PeekPending(ttl time.Duration) *PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Pending != nil && s.Pending.Expired(ttl) {
		s.Pending = nil
	}
	return s.Pending
}

// ClearPending 丢弃待确认操作
func (s *Session) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pending = nil
}

// Timestamps 带锁读取创建/更新时间，供调试接口使用
func (s *Session) Timestamps() (created, updated time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CreatedAt, s.UpdatedAt
}

// CopySlots 返回槽位的浅拷贝，供 Planner 只读使用
func (s *Session) CopySlots() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.Slots))
	for k, v := range s.Slots {
		out[k] = v
	}
	return out
}

// CopyMessages 返回 Messages 的副本，供 Planner 只读使用
func (s *Session) CopyMessages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.Messages) == 0 {
		return nil
	}
	out := make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = &Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return out
}
