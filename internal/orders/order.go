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

// Package orders 订单领域模型与订单后端服务：内存/Postgres 双存储，
// hertz REST 接口供 guardrail 的后端客户端调用。
package orders

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Status 订单状态
type Status string

const (
	StatusPlaced     Status = "PLACED"
	StatusProcessing Status = "PROCESSING"
	StatusDelayed    Status = "DELAYED"
	StatusShipped    Status = "SHIPPED"
	StatusCancelled  Status = "CANCELLED"
)

// 取消规则：仅 DELAYED 订单可取消
var ErrNotCancellable = errors.New("order is not cancellable")

// Item 订单行项
type Item struct {
	Product   string  `json:"product"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Order 订单
type Order struct {
	ID        string    `json:"order_id"`
	Status    Status    `json:"status"`
	Items     []Item    `json:"items"`
	Total     float64   `json:"total"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// productPrices 商品目录与单价
var productPrices = map[string]float64{
	"widget":      24.99,
	"gadget":      99.99,
	"gizmo":       49.99,
	"doohickey":   19.99,
	"thingamajig": 74.99,
}

// ProductPrice 查询商品单价；未知商品返回 false
func ProductPrice(product string) (float64, bool) {
	price, ok := productPrices[product]
	return price, ok
}

// PriceItems 为行项填入单价并计算总价；遇到未知商品返回错误
func PriceItems(items []Item) ([]Item, float64, error) {
	priced := make([]Item, 0, len(items))
	var total float64
	for _, item := range items {
		price, ok := ProductPrice(item.Product)
		if !ok {
			return nil, 0, fmt.Errorf("unknown product: %s", item.Product)
		}
		item.UnitPrice = price
		priced = append(priced, item)
		total += price * float64(item.Quantity)
	}
	return priced, math.Round(total*100) / 100, nil
}

// SeedOrders 初始演示数据
func SeedOrders() []*Order {
	base := time.Now().Add(-72 * time.Hour)
	return []*Order{
		{
			ID:     "ORD-12345",
			Status: StatusDelayed,
			Items: []Item{
				{Product: "widget", Quantity: 2, UnitPrice: 24.99},
				{Product: "gizmo", Quantity: 1, UnitPrice: 49.99},
			},
			Total:     99.97,
			CreatedAt: base.Add(48 * time.Hour),
			UpdatedAt: base.Add(48 * time.Hour),
		},
		{
			ID:     "ORD-67890",
			Status: StatusShipped,
			Items: []Item{
				{Product: "gadget", Quantity: 1, UnitPrice: 99.99},
			},
			Total:     99.99,
			CreatedAt: base,
			UpdatedAt: base.Add(24 * time.Hour),
		},
	}
}
