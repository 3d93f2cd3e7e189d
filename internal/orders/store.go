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

import "context"

// Store 订单持久化
type Store interface {
	// Get 按 ID 查询；不存在返回 (nil, nil)
	Get(ctx context.Context, orderID string) (*Order, error)
	// Latest 返回创建时间最新的订单；无订单返回 (nil, nil)
	Latest(ctx context.Context) (*Order, error)
	// Cancel 取消订单。仅 DELAYED 可取消；已取消返回 already=true 不报错，
	// 其他状态返回 ErrNotCancellable
	Cancel(ctx context.Context, orderID string) (order *Order, already bool, err error)
	Create(ctx context.Context, order *Order) error
}
