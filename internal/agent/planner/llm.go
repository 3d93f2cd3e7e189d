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

package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"order-agent/internal/guardrail"
	"order-agent/pkg/log"
)

// LLMPlannerConfig LLM 规划器配置
type LLMPlannerConfig struct {
	Model   string
	APIKey  string
	BaseURL string
}

// LLMPlanner 用 ChatModel 产出与规则规划器同一套 Action JSON。
// 模型输出不可解析时一律降级为澄清性 Reply，绝不向上抛错
type LLMPlanner struct {
	model  model.BaseChatModel
	logger *log.Logger
}

// NewLLMPlanner 创建 LLM 规划器
func NewLLMPlanner(ctx context.Context, cfg LLMPlannerConfig, logger *log.Logger) (*LLMPlanner, error) {
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("无法创建 ChatModel: %w", err)
	}
	return &LLMPlanner{model: chatModel, logger: logger}, nil
}

const llmSystemPrompt = `You are the planner of an order-management assistant.
Decide the single next action for this turn and answer with ONE JSON object, nothing else.

Schema:
  {"type":"reply","text":"..."}                       answer the user directly
  {"type":"ask_confirmation","text":"...","call":{"tool":"...","args":{...}}}
                                                      propose a mutating call, ask the user first
  {"type":"invoke_tool","call":{"tool":"...","args":{...}}}
                                                      read-only tool call

Tools: get_latest_order {}, get_order_status {order_id},
request_order_cancellation {order_id} (mutating), create_order {items:[{product,quantity}]} (mutating).
Products: widget, gadget, gizmo, doohickey, thingamajig.
Never call a mutating tool with invoke_tool unless the pending action below was just affirmed.`

// Next 实现 Planner
func (p *LLMPlanner) Next(ctx context.Context, turnText string, view View) Action {
	state, _ := json.Marshal(map[string]any{
		"slots":   view.Slots,
		"pending": view.Pending,
	})
	messages := []*schema.Message{
		schema.SystemMessage(llmSystemPrompt),
		schema.UserMessage(fmt.Sprintf("Session state: %s\nUser turn: %s", state, turnText)),
	}
	reply, err := p.model.Generate(ctx, messages)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("ChatModel 调用失败，降级为澄清回复", "error", err)
		}
		return clarifyFallback()
	}
	action, err := parseAction(reply.Content)
	if err != nil {
		if p.logger != nil {
			p.logger.Error("模型输出不是合法 Action，降级为澄清回复", "error", err)
		}
		return clarifyFallback()
	}
	return p.harden(action, view)
}

// harden 模型输出的安全化：变更类工具未经确认一律改为征求确认，
// 已确认的补上 confirmed 与新幂等键。与服务端闸门互为兜底
func (p *LLMPlanner) harden(action Action, view View) Action {
	if action.Type != ActionInvokeTool || action.Call == nil {
		return action
	}
	spec, ok := guardrail.LookupTool(action.Call.Tool)
	if !ok {
		return clarifyFallback()
	}
	if !spec.Mutating {
		return action
	}
	if view.Pending == nil || view.Pending.Tool != action.Call.Tool {
		prompt := fmt.Sprintf("I'd like to run %s. Reply \"Yes\" to confirm or \"No\" to cancel.", spec.Name)
		call := *action.Call
		if call.Args != nil {
			call.Args = cloneArgs(call.Args)
			delete(call.Args, "confirmed")
		}
		return AskConfirmation(prompt, call)
	}
	call := *action.Call
	if call.Args == nil {
		call.Args = map[string]any{}
	} else {
		call.Args = cloneArgs(call.Args)
	}
	call.Args["confirmed"] = true
	call.IdempotencyKey = "idem-" + uuid.New().String()
	hardened := InvokeTool(call)
	hardened.ClearPending = true
	return hardened
}

// parseAction 从模型输出中截取首个 JSON 对象并校验变体标签
func parseAction(content string) (Action, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Action{}, fmt.Errorf("no JSON object in model output")
	}
	var action Action
	if err := json.Unmarshal([]byte(content[start:end+1]), &action); err != nil {
		return Action{}, err
	}
	switch action.Type {
	case ActionReply, ActionDone:
		return action, nil
	case ActionAskConfirmation, ActionInvokeTool:
		if action.Call == nil || action.Call.Tool == "" {
			return Action{}, fmt.Errorf("action %s missing call", action.Type)
		}
		return action, nil
	default:
		return Action{}, fmt.Errorf("unknown action type %q", action.Type)
	}
}

func clarifyFallback() Action {
	return Reply("Sorry, I didn't quite get that. You can ask about your order status, " +
		"view your latest order, cancel a delayed order, or place a new one.")
}
