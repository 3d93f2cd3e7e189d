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

// Package guardrail 工具服务端核心：固定工具目录、入参校验、scope 与确认闸门、
// 幂等去重、限流，然后才放行到订单后端。
package guardrail

import "order-agent/internal/toolrpc"

// 工具名
const (
	ToolGetLatestOrder = "get_latest_order"
	ToolGetOrderStatus = "get_order_status"
	ToolRequestCancel  = "request_order_cancellation"
	ToolCreateOrder    = "create_order"
)

// scope 名
const (
	ScopeOrderRead   = "order:read"
	ScopeOrderCancel = "order:cancel"
	ScopeOrderWrite  = "order:write"
)

// 入参边界；与订单后端的业务校验一致
const (
	OrderIDMinLen        = 6
	OrderIDMaxLen        = 64
	IdempotencyKeyMinLen = 8
	IdempotencyKeyMaxLen = 128
	MaxItems             = 10
	MaxQuantity          = 100
	ProductNameMaxLen    = 100
)

var orderIDProperty = toolrpc.SchemaProperty{
	Type:        "string",
	Description: "订单号，ORD- 前缀",
	MinLength:   OrderIDMinLen,
	MaxLength:   OrderIDMaxLen,
}

var confirmedProperty = toolrpc.SchemaProperty{
	Type:        "boolean",
	Description: "是否已获得用户确认",
}

// catalog 固定工具目录；目录即协议，planner 的动作集合与此对齐
var catalog = []toolrpc.ToolSpec{
	{
		Name:        ToolGetLatestOrder,
		Description: "查询当前用户最新的订单",
		InputSchema: toolrpc.Schema{
			Type:       "object",
			Properties: map[string]toolrpc.SchemaProperty{},
		},
		RequiredScope: ScopeOrderRead,
	},
	{
		Name:        ToolGetOrderStatus,
		Description: "按订单号查询订单状态",
		InputSchema: toolrpc.Schema{
			Type: "object",
			Properties: map[string]toolrpc.SchemaProperty{
				"order_id": orderIDProperty,
			},
			Required: []string{"order_id"},
		},
		RequiredScope: ScopeOrderRead,
	},
	{
		Name:        ToolRequestCancel,
		Description: "请求取消订单；仅延迟中的订单可取消",
		InputSchema: toolrpc.Schema{
			Type: "object",
			Properties: map[string]toolrpc.SchemaProperty{
				"order_id":  orderIDProperty,
				"confirmed": confirmedProperty,
			},
			Required: []string{"order_id"},
		},
		Mutating:        true,
		RequiresConfirm: true,
		RequiredScope:   ScopeOrderCancel,
	},
	{
		Name:        ToolCreateOrder,
		Description: "按行项创建订单",
		InputSchema: toolrpc.Schema{
			Type: "object",
			Properties: map[string]toolrpc.SchemaProperty{
				"items": {
					Type:     "array",
					MinItems: 1,
					MaxItems: MaxItems,
					Items: &toolrpc.Schema{
						Type: "object",
						Properties: map[string]toolrpc.SchemaProperty{
							"product": {
								Type:      "string",
								MinLength: 1,
								MaxLength: ProductNameMaxLen,
							},
							"quantity": {
								Type:    "integer",
								Minimum: 1,
								Maximum: MaxQuantity,
							},
						},
						Required: []string{"product", "quantity"},
					},
				},
				"confirmed": confirmedProperty,
			},
			Required: []string{"items"},
		},
		Mutating:        true,
		RequiresConfirm: true,
		RequiredScope:   ScopeOrderWrite,
	},
}

// Catalog 返回工具目录副本
func Catalog() []toolrpc.ToolSpec {
	out := make([]toolrpc.ToolSpec, len(catalog))
	copy(out, catalog)
	return out
}

// LookupTool 按名称查目录
func LookupTool(name string) (toolrpc.ToolSpec, bool) {
	for _, spec := range catalog {
		if spec.Name == name {
			return spec, true
		}
	}
	return toolrpc.ToolSpec{}, false
}
