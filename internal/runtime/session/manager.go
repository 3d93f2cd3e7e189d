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
	"context"
	"sync"

	"order-agent/pkg/metrics"
)

// Manager 管理 Session 生命周期，并为每个会话维护回合互斥锁：
// 同一会话的回合严格串行，不同会话互不阻塞
type Manager struct {
	store SessionStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager 创建 Manager
func NewManager(store SessionStore) *Manager {
	return &Manager{store: store, locks: make(map[string]*sync.Mutex)}
}

// GetOrCreate 取会话；id 为空或未知时创建（空 id 自动分配）。
// created 表示本次调用新建了会话
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	if id != "" {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if s != nil {
			return s, false, nil
		}
	}
	s := New(id)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, false, err
	}
	metrics.SessionsActive.Inc()
	return s, true, nil
}

// Get 按 ID 获取 Session
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// Save 持久化 Session
func (m *Manager) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return m.store.Put(ctx, s)
}

// Delete 删除会话。回合锁条目保留：进行中的回合可能仍持有该锁，
// 移除条目会让它的 Unlock 落到一把新锁上直接 fatal
func (m *Manager) Delete(ctx context.Context, id string) error {
	existing, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	if existing != nil {
		metrics.SessionsActive.Dec()
	}
	return nil
}

// List 列出全部会话
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.List(ctx)
}

// Lock 获取会话的回合锁；持有期间同会话的其他回合排队等待
func (m *Manager) Lock(id string) {
	m.lockFor(id).Lock()
}

// Unlock 释放会话的回合锁
func (m *Manager) Unlock(id string) {
	m.lockFor(id).Unlock()
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}
