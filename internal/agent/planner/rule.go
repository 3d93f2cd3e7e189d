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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"order-agent/internal/guardrail"
	"order-agent/internal/toolrpc"
)

// availableProducts 可下单的商品
var availableProducts = []string{"widget", "gadget", "gizmo", "doohickey", "thingamajig"}

// intent 识别出的用户意图
type intent string

const (
	intentGreeting  intent = "greeting"
	intentHelp      intent = "help"
	intentStatus    intent = "status"
	intentShowOrder intent = "show_order"
	intentCancel    intent = "cancel"
	intentAddOrder  intent = "add_order"
	intentConfirm   intent = "confirm"
	intentDecline   intent = "decline"
	intentUnknown   intent = "unknown"
)

var affirmatives = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "confirm": true,
	"ok": true, "okay": true, "sure": true, "do it": true, "proceed": true,
	"yes please": true, "go ahead": true, "confirm cancel": true,
	"yes cancel it": true,
}

var negatives = map[string]bool{
	"no": true, "n": true, "nope": true, "no thanks": true, "never mind": true,
	"nevermind": true, "cancel that": true, "don't": true, "stop": true,
}

var orderIDPattern = regexp.MustCompile(`\bORD-[A-Za-z0-9]{3,60}\b`)

// RulePlanner 确定性规则规划器：关键词意图表 + 会话槽位推进多步流程。
// 变更类意图永远先产出 AskConfirmation，与服务端确认闸门互为兜底
type RulePlanner struct{}

// NewRulePlanner 创建规则规划器
func NewRulePlanner() *RulePlanner {
	return &RulePlanner{}
}

// Next 实现 Planner
func (p *RulePlanner) Next(ctx context.Context, turnText string, view View) Action {
	normalized := normalize(turnText)

	// 待确认操作优先：肯定/否定回答只在这里消费
	if view.Pending != nil {
		if isAffirmative(normalized) {
			call := *view.Pending
			if call.Args == nil {
				call.Args = map[string]any{}
			} else {
				call.Args = cloneArgs(call.Args)
			}
			call.Args["confirmed"] = true
			// 每次确认尝试都铸造新幂等键，键属于这一次尝试而非工具
			call.IdempotencyKey = "idem-" + uuid.New().String()
			action := InvokeTool(call)
			action.ClearPending = true
			return action
		}
		if isNegative(normalized) {
			action := Reply("No problem, I won't do that. Let me know if you need anything else.")
			action.ClearPending = true
			return action
		}
	}

	switch detectIntent(normalized) {
	case intentGreeting:
		return Reply("Hello! I'm your order assistant. I can help you:\n" +
			"- Check your order status\n" +
			"- Show your latest order details\n" +
			"- Cancel delayed orders\n" +
			"- Place a new order\n\n" +
			"What would you like to do?")
	case intentHelp:
		return Reply("I can help you with:\n\n" +
			"- Check order status: \"What's my order status?\"\n" +
			"- View order details: \"Show my latest order\"\n" +
			"- Cancel orders: \"Cancel my order\" (only delayed orders can be cancelled)\n" +
			"- Place an order: \"Order 2 widgets\" (available: " + strings.Join(availableProducts, ", ") + ")\n\n" +
			"Just type your question!")
	case intentDecline:
		return Reply("No problem! Let me know if you need anything else.")
	case intentConfirm:
		// 没有待确认操作的肯定回答，无从谈起
		return Reply("There's nothing waiting for your confirmation right now. " +
			"What would you like to do?")
	case intentStatus:
		return p.planStatus(normalized, view)
	case intentShowOrder:
		return p.planShowOrder(view)
	case intentCancel:
		return p.planCancel(normalized, view)
	case intentAddOrder:
		return p.planAddOrder(normalized)
	default:
		return Reply("I'm not sure what you'd like to do. I can help you:\n" +
			"- Check your order status\n" +
			"- Show your order details\n" +
			"- Cancel a delayed order\n" +
			"- Place a new order (available: " + strings.Join(availableProducts, ", ") + ")\n\n" +
			"What would you like?")
	}
}

// planStatus 查状态：缺订单号先查最新订单，再查状态，最后用槽位作答
func (p *RulePlanner) planStatus(text string, view View) Action {
	if orderID := orderIDPattern.FindString(strings.ToUpper(text)); orderID != "" {
		if view.slotField(SlotLastStatus, "order_id") != orderID {
			return InvokeTool(toolrpc.ToolCall{
				Tool: guardrail.ToolGetOrderStatus,
				Args: map[string]any{"order_id": orderID},
			})
		}
	}
	if status := view.slotField(SlotLastStatus, "status"); status != "" {
		orderID := view.slotField(SlotLastStatus, "order_id")
		if status == "DELAYED" {
			return AskConfirmation(
				fmt.Sprintf("Order %s is DELAYED. Would you like me to cancel it? Reply \"Yes\" to cancel or \"No\" to keep it.", orderID),
				toolrpc.ToolCall{
					Tool: guardrail.ToolRequestCancel,
					Args: map[string]any{"order_id": orderID},
				})
		}
		return Reply(fmt.Sprintf("Order %s is currently: %s. Let me know if you need anything else!", orderID, status))
	}
	if orderID := view.slotField(SlotLatestOrder, "order_id"); orderID != "" {
		return InvokeTool(toolrpc.ToolCall{
			Tool: guardrail.ToolGetOrderStatus,
			Args: map[string]any{"order_id": orderID},
		})
	}
	return InvokeTool(toolrpc.ToolCall{Tool: guardrail.ToolGetLatestOrder})
}

// planShowOrder 查订单详情：槽位为空先拉最新订单
func (p *RulePlanner) planShowOrder(view View) Action {
	if orderID := view.slotField(SlotLatestOrder, "order_id"); orderID != "" {
		status := view.slotField(SlotLatestOrder, "status")
		return Reply(fmt.Sprintf("Your latest order:\n- Order ID: %s\n- Status: %s%s",
			orderID, status, formatSlotItems(view, SlotLatestOrder)))
	}
	return InvokeTool(toolrpc.ToolCall{Tool: guardrail.ToolGetLatestOrder})
}

// planCancel 取消流程：定位订单 → 查状态 → DELAYED 才征求确认
func (p *RulePlanner) planCancel(text string, view View) Action {
	if orderID := orderIDPattern.FindString(strings.ToUpper(text)); orderID != "" {
		if view.slotField(SlotLastStatus, "order_id") != orderID {
			return InvokeTool(toolrpc.ToolCall{
				Tool: guardrail.ToolGetOrderStatus,
				Args: map[string]any{"order_id": orderID},
			})
		}
	}
	if status := view.slotField(SlotLastStatus, "status"); status != "" {
		orderID := view.slotField(SlotLastStatus, "order_id")
		switch status {
		case "DELAYED":
			return AskConfirmation(
				fmt.Sprintf("Order %s is delayed. Would you like me to cancel it? Reply \"Yes\" to confirm.", orderID),
				toolrpc.ToolCall{
					Tool: guardrail.ToolRequestCancel,
					Args: map[string]any{"order_id": orderID},
				})
		case "CANCELLED":
			return Reply("This order has already been cancelled.")
		default:
			return Reply(fmt.Sprintf("Order %s is %s. Only delayed orders can be cancelled.", orderID, status))
		}
	}
	if orderID := view.slotField(SlotLatestOrder, "order_id"); orderID != "" {
		if view.slotBool(SlotLatestOrder, "cancelled") {
			return Reply("This order has already been cancelled.")
		}
		return InvokeTool(toolrpc.ToolCall{
			Tool: guardrail.ToolGetOrderStatus,
			Args: map[string]any{"order_id": orderID},
		})
	}
	return InvokeTool(toolrpc.ToolCall{Tool: guardrail.ToolGetLatestOrder})
}

// planAddOrder 下单：解析行项后征求确认，绝不直接下单
func (p *RulePlanner) planAddOrder(text string) Action {
	items := extractItems(text)
	if len(items) == 0 {
		return Reply("What would you like to order? Available products: " +
			strings.Join(availableProducts, ", ") +
			". You can say something like \"Order 2 widgets and 1 gadget\".")
	}
	summary := make([]string, 0, len(items))
	for _, item := range items {
		quantity := item["quantity"].(int)
		summary = append(summary, fmt.Sprintf("%dx %s", quantity, item["product"]))
	}
	anyItems := make([]any, len(items))
	for i, item := range items {
		anyItems[i] = map[string]any{
			"product":  item["product"],
			"quantity": float64(item["quantity"].(int)),
		}
	}
	return AskConfirmation(
		fmt.Sprintf("Ready to place an order for: %s. Reply \"Yes\" to confirm or \"No\" to cancel.",
			strings.Join(summary, ", ")),
		toolrpc.ToolCall{
			Tool: guardrail.ToolCreateOrder,
			Args: map[string]any{"items": anyItems},
		})
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	return strings.Trim(s, ".!?,")
}

func isAffirmative(normalized string) bool {
	return affirmatives[normalized] || strings.HasPrefix(normalized, "yes")
}

func isNegative(normalized string) bool {
	return negatives[normalized] || strings.HasPrefix(normalized, "no ")
}

// detectIntent 关键词意图表；顺序即优先级
func detectIntent(text string) intent {
	if text == "" {
		return intentUnknown
	}
	if isAffirmative(text) {
		return intentConfirm
	}
	if isNegative(text) {
		return intentDecline
	}
	if containsAnyWord(text, "hello", "hi", "hey") ||
		strings.Contains(text, "good morning") || strings.Contains(text, "good afternoon") {
		return intentGreeting
	}
	if containsAnyWord(text, "help", "capabilities") || strings.Contains(text, "what can you do") {
		return intentHelp
	}
	if containsAnyWord(text, "cancel") {
		return intentCancel
	}
	if hasOrderPhrase(text) || (mentionsProduct(text) && containsAnyWord(text, "order", "buy", "want", "get", "add")) {
		return intentAddOrder
	}
	if containsAnyWord(text, "status", "track", "tracking") ||
		strings.Contains(text, "where is") || strings.Contains(text, "when will") {
		return intentStatus
	}
	if containsAnyWord(text, "show") || strings.Contains(text, "latest order") ||
		strings.Contains(text, "my order") || strings.Contains(text, "order details") {
		return intentShowOrder
	}
	return intentUnknown
}

var orderPhrases = []string{
	"add order", "place order", "create order", "new order", "buy",
	"order a", "want to order", "i want", "get me",
}

func hasOrderPhrase(text string) bool {
	for _, phrase := range orderPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return strings.HasPrefix(text, "order ") && mentionsProduct(text)
}

func mentionsProduct(text string) bool {
	for _, product := range availableProducts {
		if strings.Contains(text, product) {
			return true
		}
	}
	return false
}

// containsAnyWord 按词边界匹配，避免 "hi" 命中 "this" 一类误报
func containsAnyWord(text string, words ...string) bool {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '\'')
	})
	for _, field := range fields {
		for _, word := range words {
			if field == word {
				return true
			}
		}
	}
	return false
}

// 每个商品的数量模式预编译："2 widgets" 与 "gadget x3" 两种写法
var itemPatterns = func() map[string][2]*regexp.Regexp {
	patterns := make(map[string][2]*regexp.Regexp, len(availableProducts))
	for _, product := range availableProducts {
		patterns[product] = [2]*regexp.Regexp{
			regexp.MustCompile(`(\d+)\s*x?\s*` + product + `s?`),
			regexp.MustCompile(product + `s?\s*x?\s*(\d+)`),
		}
	}
	return patterns
}()

// extractItems 解析行项；数量截断到上限
func extractItems(text string) []map[string]any {
	var items []map[string]any
	for _, product := range availableProducts {
		if !strings.Contains(text, product) {
			continue
		}
		quantity := 1
		if m := itemPatterns[product][0].FindStringSubmatch(text); m != nil {
			quantity, _ = strconv.Atoi(m[1])
		} else if m := itemPatterns[product][1].FindStringSubmatch(text); m != nil {
			quantity, _ = strconv.Atoi(m[1])
		}
		if quantity > guardrail.MaxQuantity {
			quantity = guardrail.MaxQuantity
		}
		if quantity < 1 {
			quantity = 1
		}
		items = append(items, map[string]any{"product": product, "quantity": quantity})
	}
	return items
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func formatSlotItems(view View, slot string) string {
	obj, ok := view.Slots[slot].(map[string]any)
	if !ok {
		return ""
	}
	list, ok := obj["items"].([]any)
	if !ok || len(list) == 0 {
		return ""
	}
	parts := make([]string, 0, len(list))
	for _, element := range list {
		item, ok := element.(map[string]any)
		if !ok {
			continue
		}
		product, _ := item["product"].(string)
		quantity, _ := item["quantity"].(float64)
		parts = append(parts, fmt.Sprintf("%s x%d", product, int(quantity)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\n- Items: " + strings.Join(parts, ", ")
}
