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

// Package planner 把一轮用户输入规划为下一步动作。规则实现是确定性的纯函数；
// 接口契约允许换成 LLM 实现而不动执行循环。
package planner

import "order-agent/internal/toolrpc"

// ActionType 动作变体标签
type ActionType string

const (
	// ActionReply 直接回复用户，本回合结束
	ActionReply ActionType = "reply"
	// ActionAskConfirmation 向用户征求确认；Call 是确认后要执行的调用
	ActionAskConfirmation ActionType = "ask_confirmation"
	// ActionInvokeTool 调用工具
	ActionInvokeTool ActionType = "invoke_tool"
	// ActionDone 无事可做，用累计文本收尾
	ActionDone ActionType = "done"
)

// Action 规划产物；一经产生不可变
type Action struct {
	Type ActionType        `json:"type"`
	Text string            `json:"text,omitempty"`
	Call *toolrpc.ToolCall `json:"call,omitempty"`
	// ClearPending 指示执行循环丢弃会话中的待确认操作
	// （已被本动作消费，或用户明确拒绝）
	ClearPending bool `json:"clear_pending,omitempty"`
}

// Reply 构造回复动作
func Reply(text string) Action {
	return Action{Type: ActionReply, Text: text}
}

// AskConfirmation 构造确认请求
func AskConfirmation(text string, call toolrpc.ToolCall) Action {
	return Action{Type: ActionAskConfirmation, Text: text, Call: &call}
}

// InvokeTool 构造工具调用动作
func InvokeTool(call toolrpc.ToolCall) Action {
	return Action{Type: ActionInvokeTool, Call: &call}
}

// Done 构造收尾动作
func Done() Action {
	return Action{Type: ActionDone}
}

// 槽位键：执行循环把工具结果折叠进会话槽位，规划器据此推进多步流程
const (
	SlotLatestOrder  = "latest_order"
	SlotLastStatus   = "last_status"
	SlotCreatedOrder = "created_order"
)

// View 规划器可见的会话快照；只读
type View struct {
	Slots map[string]any
	// Pending 待确认的调用；nil 表示没有或已过期
	Pending       *toolrpc.ToolCall
	PendingPrompt string
}

// slotField 从槽位里的对象取字符串字段
func (v View) slotField(slot, field string) string {
	obj, ok := v.Slots[slot].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := obj[field].(string)
	return s
}

// slotBool 从槽位里的对象取布尔字段
func (v View) slotBool(slot, field string) bool {
	obj, ok := v.Slots[slot].(map[string]any)
	if !ok {
		return false
	}
	b, _ := obj[field].(bool)
	return b
}
