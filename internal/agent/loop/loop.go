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

// Package loop 单回合执行循环：规划 → 调用工具 → 折叠结果 → 再规划，
// 步数封顶。每回合恰好产出一条回复。
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"order-agent/internal/agent/planner"
	"order-agent/internal/guardrail"
	"order-agent/internal/runtime/session"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/log"
	"order-agent/pkg/metrics"
	"order-agent/pkg/tracing"
)

// 回合结束方式，用作指标标签
const (
	outcomeReplied      = "replied"
	outcomeConfirmation = "confirmation"
	outcomeStepCeiling  = "step_ceiling"
)

// ToolChannel 工具通道；生产实现是 toolrpc.Client
type ToolChannel interface {
	Call(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result
	State() toolrpc.ChannelState
	Reopen(ctx context.Context) error
}

// Options 循环配置
type Options struct {
	Planner  planner.Planner
	Channel  ToolChannel
	Sessions *session.Manager
	// MaxSteps 单回合工具调用步数上限
	MaxSteps int
	// PendingTTL 待确认操作的保留期，过期的确认不再生效
	PendingTTL time.Duration
	Logger     *log.Logger
}

// Loop 执行循环
type Loop struct {
	planner    planner.Planner
	channel    ToolChannel
	sessions   *session.Manager
	maxSteps   int
	pendingTTL time.Duration
	logger     *log.Logger
}

// New 创建执行循环
func New(opts Options) *Loop {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 6
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 5 * time.Minute
	}
	return &Loop{
		planner:    opts.Planner,
		channel:    opts.Channel,
		sessions:   opts.Sessions,
		maxSteps:   opts.MaxSteps,
		pendingTTL: opts.PendingTTL,
		logger:     opts.Logger,
	}
}

// TurnResult 一个回合的产出
type TurnResult struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
	// Created 本回合新建了会话
	Created bool `json:"created"`
}

// RunTurn 执行一个回合。同一会话的回合串行；回合内的全部会话修改
// 在回复确定后一次性落盘
func (l *Loop) RunTurn(ctx context.Context, sessionID, text string) (*TurnResult, error) {
	sess, created, err := l.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	l.sessions.Lock(sess.ID)
	defer l.sessions.Unlock(sess.ID)

	ctx, span := tracing.StartTurnSpan(ctx, sess.ID)
	defer span.End()
	start := time.Now()

	// 上回合留下的损坏通道，在本回合首次调用前重建
	if l.channel.State() == toolrpc.StateBroken {
		if err := l.channel.Reopen(ctx); err != nil {
			if l.logger != nil {
				l.logger.Error("工具通道重建失败", "error", err)
			}
		} else {
			metrics.ChannelReopenTotal.Inc()
		}
	}

	sess.AddMessage(session.RoleUser, text)
	reply, outcome := l.run(ctx, sess, text)
	sess.AddMessage(session.RoleAssistant, reply)
	if err := l.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	metrics.TurnTotal.WithLabelValues(outcome).Inc()
	if l.logger != nil {
		l.logger.Info("回合结束", "session_id", sess.ID, "outcome", outcome,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return &TurnResult{SessionID: sess.ID, Reply: reply, Created: created}, nil
}

// run 回合内状态机；返回回复文本与结束方式
func (l *Loop) run(ctx context.Context, sess *session.Session, text string) (string, string) {
	steps := 0
	retried := false
	for {
		action := l.planner.Next(ctx, text, l.buildView(sess))
		if action.ClearPending {
			sess.ClearPending()
		}
		switch action.Type {
		case planner.ActionReply:
			return action.Text, outcomeReplied
		case planner.ActionAskConfirmation:
			sess.SetPending(*action.Call, action.Text)
			return action.Text, outcomeConfirmation
		case planner.ActionDone:
			if action.Text != "" {
				return action.Text, outcomeReplied
			}
			return "Is there anything else I can help you with?", outcomeReplied
		case planner.ActionInvokeTool:
			// 唯一的死循环防线
			if steps >= l.maxSteps {
				if l.logger != nil {
					l.logger.Warn("回合达到步数上限", "session_id", sess.ID, "steps", steps)
				}
				return "I couldn't finish that within a reasonable number of steps. " +
					"Please try again with more details.", outcomeStepCeiling
			}
			steps++
			result := l.channel.Call(ctx, *action.Call)
			if result.Err != nil && result.Err.Retryable && !retried {
				// 每回合至多重试一次；变更类调用沿用同一幂等键，重复生效由服务端挡住
				retried = true
				result = l.channel.Call(ctx, *action.Call)
			}
			reply, final, outcome := l.consume(sess, action.Call, result)
			if final {
				return reply, outcome
			}
		default:
			return "Sorry, I didn't quite get that. Could you rephrase?", outcomeReplied
		}
	}
}

// consume 处理一次调用结果；final 为 true 时回合立即以 reply 结束
func (l *Loop) consume(sess *session.Session, call *toolrpc.ToolCall, result toolrpc.Result) (string, bool, string) {
	if result.OK {
		return l.fold(sess, call.Tool, result.Payload)
	}
	toolErr := result.Err
	switch toolErr.Code {
	case toolrpc.CodeConfirmationRequired:
		// 服务端闸门兜住了未确认的变更调用：转为向用户征求确认
		pendingCall := *call
		if pendingCall.Args != nil {
			args := make(map[string]any, len(pendingCall.Args))
			for k, v := range pendingCall.Args {
				args[k] = v
			}
			delete(args, "confirmed")
			pendingCall.Args = args
		}
		pendingCall.IdempotencyKey = ""
		prompt := fmt.Sprintf("%s Reply \"Yes\" to confirm or \"No\" to cancel.", toolErr.Message)
		sess.SetPending(pendingCall, prompt)
		return prompt, true, outcomeConfirmation
	case toolrpc.CodeValidationFailed:
		return fmt.Sprintf("I couldn't do that: %s.", toolErr.Message), true, outcomeReplied
	case toolrpc.CodeNotFound:
		return "I couldn't find that order. Could you double-check the order number?", true, outcomeReplied
	case toolrpc.CodeUnauthorized:
		// 不透出权限模型细节
		return "Sorry, I'm not allowed to do that.", true, outcomeReplied
	case toolrpc.CodeConflict:
		if l.logger != nil {
			// 同键不同参是调用方缺陷，留日志排查
			l.logger.Error("幂等键冲突", "session_id", sess.ID, "tool", call.Tool,
				"idempotency_key", call.IdempotencyKey, "message", toolErr.Message)
		}
		return "That request was already processed differently. Please start over.", true, outcomeReplied
	default:
		return "The order service is temporarily unavailable. Please try again shortly.", true, outcomeReplied
	}
}

// fold 把成功结果折叠进槽位。读类工具继续循环（链式读取），
// 变更类工具直接生成结束回复
func (l *Loop) fold(sess *session.Session, tool string, payload json.RawMessage) (string, bool, string) {
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		if l.logger != nil {
			l.logger.Error("工具结果无法解析", "tool", tool, "error", err)
		}
		return "The order service returned something I couldn't read. Please try again shortly.",
			true, outcomeReplied
	}
	switch tool {
	case guardrail.ToolGetLatestOrder:
		sess.SlotSet(planner.SlotLatestOrder, data)
		return "", false, ""
	case guardrail.ToolGetOrderStatus:
		sess.SlotSet(planner.SlotLastStatus, data)
		return "", false, ""
	case guardrail.ToolRequestCancel:
		sess.SlotSet(planner.SlotLastStatus, map[string]any{
			"order_id": data["order_id"],
			"status":   data["status"],
		})
		if already, _ := data["already_cancelled"].(bool); already {
			return "This order was already cancelled.", true, outcomeReplied
		}
		return "Your order has been cancelled successfully.", true, outcomeReplied
	case guardrail.ToolCreateOrder:
		sess.SlotSet(planner.SlotCreatedOrder, data)
		sess.SlotSet(planner.SlotLatestOrder, data)
		orderID, _ := data["order_id"].(string)
		total, _ := data["total"].(float64)
		return fmt.Sprintf("Order placed successfully!\n- Order ID: %s\n- Total: $%.2f\n- Status: %v",
			orderID, total, data["status"]), true, outcomeReplied
	default:
		return "Done.", true, outcomeReplied
	}
}

// buildView 构造规划器可见的只读快照
func (l *Loop) buildView(sess *session.Session) planner.View {
	view := planner.View{Slots: sess.CopySlots()}
	if pending := sess.PeekPending(l.pendingTTL); pending != nil {
		call := pending.Call
		view.Pending = &call
		view.PendingPrompt = pending.Prompt
	}
	return view
}
