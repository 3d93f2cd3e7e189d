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
	"fmt"
	"time"

	"order-agent/internal/backend"
	"order-agent/internal/orders"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/log"
	"order-agent/pkg/metrics"
	"order-agent/pkg/tracing"
)

// Backend 订单后端接口；生产实现是 internal/backend 的 REST 客户端
type Backend interface {
	GetLatestOrder(ctx context.Context) (*orders.Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*backend.StatusResult, error)
	CancelOrder(ctx context.Context, orderID, idempotencyKey string) (*backend.CancelResult, error)
	CreateOrder(ctx context.Context, items []orders.Item) (*orders.Order, error)
}

// Guard 工具调用闸门，实现 toolrpc.Handler。
// 每次调用按固定顺序过闸：校验 → scope → 确认 → 幂等 → 限流 → 执行
type Guard struct {
	backend     Backend
	idempotency IdempotencyStore
	limiter     *ToolLimiter
	scopes      map[string]bool
	logger      *log.Logger
}

// GuardOptions Guard 配置
type GuardOptions struct {
	Backend     Backend
	Idempotency IdempotencyStore
	Limiter     *ToolLimiter
	// GrantedScopes 本进程持有的 scope 集合
	GrantedScopes []string
	Logger        *log.Logger
}

// NewGuard 创建 Guard
func NewGuard(opts GuardOptions) *Guard {
	scopes := make(map[string]bool, len(opts.GrantedScopes))
	for _, scope := range opts.GrantedScopes {
		scopes[scope] = true
	}
	if opts.Idempotency == nil {
		opts.Idempotency = NewIdempotencyMem(0)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewToolLimiter(nil)
	}
	return &Guard{
		backend:     opts.Backend,
		idempotency: opts.Idempotency,
		limiter:     opts.Limiter,
		scopes:      scopes,
		logger:      opts.Logger,
	}
}

// ListTools 返回工具目录
func (g *Guard) ListTools(ctx context.Context) []toolrpc.ToolSpec {
	return Catalog()
}

// CallTool 处理一次工具调用
func (g *Guard) CallTool(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result {
	start := time.Now()
	ctx, span := tracing.StartToolSpan(ctx, call.Tool, call.IdempotencyKey)
	defer span.End()

	result := g.dispatch(ctx, call)

	code := "ok"
	if result.Err != nil {
		code = string(result.Err.Code)
	}
	metrics.ToolCallDuration.WithLabelValues(call.Tool).Observe(time.Since(start).Seconds())
	metrics.ToolCallTotal.WithLabelValues(call.Tool, code).Inc()
	if g.logger != nil {
		g.logger.Info("工具调用完成", "tool", call.Tool, "code", code,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return result
}

func (g *Guard) dispatch(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result {
	spec, ok := LookupTool(call.Tool)
	if !ok {
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeNotFound,
			fmt.Sprintf("unknown tool: %s", call.Tool)))
	}
	args := call.Args
	if args == nil {
		args = map[string]any{}
	}

	if err := validateArgs(spec.InputSchema, args); err != nil {
		return toolrpc.Fail(err)
	}

	// UNAUTHORIZED 不回显所需 scope，避免向对话侧泄露权限模型
	if !g.scopes[spec.RequiredScope] {
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeUnauthorized,
			fmt.Sprintf("not permitted to call %s", call.Tool)))
	}

	if spec.RequiresConfirm {
		confirmed, _ := args["confirmed"].(bool)
		if !confirmed {
			return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeConfirmationRequired,
				fmt.Sprintf("%s requires explicit user confirmation", call.Tool)))
		}
	}

	if !spec.Mutating {
		if !g.limiter.Allow(call.Tool) {
			return toolrpc.Fail(rateLimited(call.Tool))
		}
		return g.execute(ctx, spec, args, "")
	}

	if err := validateIdempotencyKey(call.IdempotencyKey); err != nil {
		return toolrpc.Fail(err)
	}
	argsHash := ArgsHash(call.Tool, args)
	outcome, cached, err := g.idempotency.Reserve(ctx, call.IdempotencyKey, argsHash)
	if err != nil {
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable,
			"idempotency store unavailable").WithRetryable(true))
	}
	switch outcome {
	case OutcomeReplay:
		metrics.IdempotencyReplayTotal.Inc()
		if g.logger != nil {
			g.logger.Info("重放幂等缓存结果", "tool", call.Tool, "idempotency_key", call.IdempotencyKey)
		}
		return cached
	case OutcomeMismatch:
		metrics.IdempotencyConflictTotal.Inc()
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeConflict,
			"idempotency_key was already used with different arguments"))
	case OutcomeInFlight:
		metrics.IdempotencyConflictTotal.Inc()
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeConflict,
			"a request with this idempotency_key is still in flight"))
	}

	if !g.limiter.Allow(call.Tool) {
		_ = g.idempotency.Release(ctx, call.IdempotencyKey)
		return toolrpc.Fail(rateLimited(call.Tool))
	}

	result := g.execute(ctx, spec, args, call.IdempotencyKey)
	if result.Err != nil && result.Err.Retryable {
		// 可重试故障不落盘，重试要能真正重新执行
		_ = g.idempotency.Release(ctx, call.IdempotencyKey)
	} else {
		_ = g.idempotency.Complete(ctx, call.IdempotencyKey, result)
	}
	return result
}

func rateLimited(tool string) *toolrpc.ToolError {
	return toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable,
		fmt.Sprintf("%s is rate limited, retry later", tool)).WithRetryable(true)
}

func (g *Guard) execute(ctx context.Context, spec toolrpc.ToolSpec, args map[string]any, idempotencyKey string) toolrpc.Result {
	switch spec.Name {
	case ToolGetLatestOrder:
		order, err := g.backend.GetLatestOrder(ctx)
		if err != nil {
			return toolrpc.Fail(err)
		}
		return toolrpc.Ok(order)
	case ToolGetOrderStatus:
		orderID, _ := args["order_id"].(string)
		status, err := g.backend.GetOrderStatus(ctx, orderID)
		if err != nil {
			return toolrpc.Fail(err)
		}
		return toolrpc.Ok(status)
	case ToolRequestCancel:
		orderID, _ := args["order_id"].(string)
		result, err := g.backend.CancelOrder(ctx, orderID, idempotencyKey)
		if err != nil {
			return toolrpc.Fail(err)
		}
		return toolrpc.Ok(result)
	case ToolCreateOrder:
		items := decodeItems(args["items"])
		order, err := g.backend.CreateOrder(ctx, items)
		if err != nil {
			return toolrpc.Fail(err)
		}
		return toolrpc.Ok(order)
	default:
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeNotFound,
			fmt.Sprintf("unknown tool: %s", spec.Name)))
	}
}

// decodeItems 入参已过 Schema 校验，这里只做形状转换
func decodeItems(value any) []orders.Item {
	list, _ := value.([]any)
	items := make([]orders.Item, 0, len(list))
	for _, element := range list {
		obj, _ := element.(map[string]any)
		product, _ := obj["product"].(string)
		quantity, _ := obj["quantity"].(float64)
		items = append(items, orders.Item{Product: product, Quantity: int(quantity)})
	}
	return items
}
