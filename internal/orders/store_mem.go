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

package orders

import (
	"context"
	"sync"
	"time"
)

// StoreMem 内存实现；取消规则在锁内判定，保证并发取消至多生效一次
type StoreMem struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewStoreMem 创建内存订单存储
func NewStoreMem(seed []*Order) *StoreMem {
	s := &StoreMem{orders: make(map[string]*Order)}
	for _, order := range seed {
		cloned := *order
		s.orders[order.ID] = &cloned
	}
	return s
}

func (s *StoreMem) Get(ctx context.Context, orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	cloned := *order
	return &cloned, nil
}

func (s *StoreMem) Latest(ctx context.Context) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Order
	for _, order := range s.orders {
		if latest == nil || order.CreatedAt.After(latest.CreatedAt) {
			latest = order
		}
	}
	if latest == nil {
		return nil, nil
	}
	cloned := *latest
	return &cloned, nil
}

func (s *StoreMem) Cancel(ctx context.Context, orderID string) (*Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, false, nil
	}
	if order.Cancelled {
		cloned := *order
		return &cloned, true, nil
	}
	if order.Status != StatusDelayed {
		return nil, false, ErrNotCancellable
	}
	order.Status = StatusCancelled
	order.Cancelled = true
	order.UpdatedAt = time.Now()
	cloned := *order
	return &cloned, false, nil
}

func (s *StoreMem) Create(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned := *order
	s.orders[order.ID] = &cloned
	return nil
}
