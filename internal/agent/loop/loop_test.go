package loop

import (
	"context"
	"strings"
	"sync"
	"testing"

	"order-agent/internal/agent/planner"
	"order-agent/internal/backend"
	"order-agent/internal/guardrail"
	"order-agent/internal/orders"
	"order-agent/internal/runtime/session"
	"order-agent/internal/toolrpc"
)

// guardChannel 直连 Guard 的通道，省去子进程
type guardChannel struct {
	guard *guardrail.Guard
	calls []toolrpc.ToolCall
	mu    sync.Mutex
}

func (c *guardChannel) Call(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return c.guard.CallTool(ctx, call)
}

func (c *guardChannel) State() toolrpc.ChannelState      { return toolrpc.StateOpen }
func (c *guardChannel) Reopen(ctx context.Context) error { return nil }

func (c *guardChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// storeBackend 直连订单存储的后端
type storeBackend struct {
	store *orders.StoreMem
}

func (b *storeBackend) GetLatestOrder(ctx context.Context) (*orders.Order, error) {
	order, err := b.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, toolrpc.NewToolError(toolrpc.CodeNotFound, "no orders found")
	}
	return order, nil
}

func (b *storeBackend) GetOrderStatus(ctx context.Context, orderID string) (*backend.StatusResult, error) {
	order, err := b.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, toolrpc.NewToolError(toolrpc.CodeNotFound, "order not found")
	}
	return &backend.StatusResult{OrderID: order.ID, Status: order.Status, Cancelled: order.Cancelled}, nil
}

func (b *storeBackend) CancelOrder(ctx context.Context, orderID, idempotencyKey string) (*backend.CancelResult, error) {
	order, already, err := b.store.Cancel(ctx, orderID)
	if err != nil {
		return nil, toolrpc.NewToolError(toolrpc.CodeValidationFailed, "only delayed orders can be cancelled")
	}
	if order == nil {
		return nil, toolrpc.NewToolError(toolrpc.CodeNotFound, "order not found")
	}
	return &backend.CancelResult{OrderID: order.ID, Status: order.Status, AlreadyCancelled: already}, nil
}

func (b *storeBackend) CreateOrder(ctx context.Context, items []orders.Item) (*orders.Order, error) {
	priced, total, err := orders.PriceItems(items)
	if err != nil {
		return nil, toolrpc.NewToolError(toolrpc.CodeValidationFailed, err.Error())
	}
	order := &orders.Order{ID: "ORD-NEW01", Status: orders.StatusPlaced, Items: priced, Total: total}
	if err := b.store.Create(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func newTestLoop(t *testing.T, scopes ...string) (*Loop, *guardChannel) {
	t.Helper()
	if len(scopes) == 0 {
		scopes = []string{guardrail.ScopeOrderRead, guardrail.ScopeOrderCancel, guardrail.ScopeOrderWrite}
	}
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend:       &storeBackend{store: orders.NewStoreMem(orders.SeedOrders())},
		GrantedScopes: scopes,
	})
	channel := &guardChannel{guard: guard}
	l := New(Options{
		Planner:  planner.NewRulePlanner(),
		Channel:  channel,
		Sessions: session.NewManager(session.NewMemoryStore()),
	})
	return l, channel
}

func TestStatusTurnChainsReads(t *testing.T) {
	l, channel := newTestLoop(t)

	result, err := l.RunTurn(context.Background(), "", "where is my order?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !result.Created || result.SessionID == "" {
		t.Errorf("session: %+v", result)
	}
	// Latest order is DELAYED, so the turn ends asking about cancellation.
	if !strings.Contains(result.Reply, "DELAYED") {
		t.Errorf("reply = %q", result.Reply)
	}
	// get_latest_order then get_order_status, chained within one turn.
	if channel.callCount() != 2 {
		t.Errorf("calls = %d, want 2", channel.callCount())
	}
}

func TestCancellationRoundTrip(t *testing.T) {
	l, channel := newTestLoop(t)
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "cancel my order")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if !strings.Contains(first.Reply, "Yes") {
		t.Fatalf("expected confirmation prompt, got %q", first.Reply)
	}
	callsBefore := channel.callCount()

	second, err := l.RunTurn(ctx, first.SessionID, "yes")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(second.Reply, "cancelled successfully") {
		t.Errorf("reply = %q", second.Reply)
	}
	// Exactly one tool invocation for the confirmed turn.
	if channel.callCount() != callsBefore+1 {
		t.Errorf("confirmed turn made %d calls, want 1", channel.callCount()-callsBefore)
	}
	confirmedCall := channel.calls[len(channel.calls)-1]
	if confirmedCall.Tool != guardrail.ToolRequestCancel {
		t.Errorf("tool = %s", confirmedCall.Tool)
	}
	if confirmedCall.Args["confirmed"] != true || confirmedCall.IdempotencyKey == "" {
		t.Errorf("call = %+v", confirmedCall)
	}
}

func TestNegativeClearsPendingWithoutInvocation(t *testing.T) {
	l, channel := newTestLoop(t)
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "cancel my order")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	callsBefore := channel.callCount()

	second, err := l.RunTurn(ctx, first.SessionID, "no")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if channel.callCount() != callsBefore {
		t.Error("negative answer must not invoke any tool")
	}
	if !strings.Contains(second.Reply, "No problem") {
		t.Errorf("reply = %q", second.Reply)
	}

	// A later affirmative has nothing to act on.
	third, err := l.RunTurn(ctx, first.SessionID, "yes")
	if err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if channel.callCount() != callsBefore {
		t.Error("affirmative after decline must not invoke any tool")
	}
	if !strings.Contains(third.Reply, "nothing waiting") {
		t.Errorf("reply = %q", third.Reply)
	}
}

func TestCreateOrderFlow(t *testing.T) {
	l, channel := newTestLoop(t)
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "order 2 widgets and 1 gadget")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if !strings.Contains(first.Reply, "2x widget") || !strings.Contains(first.Reply, "1x gadget") {
		t.Fatalf("confirmation prompt = %q", first.Reply)
	}
	if channel.callCount() != 0 {
		t.Fatal("no tool call before confirmation")
	}

	second, err := l.RunTurn(ctx, first.SessionID, "yes please")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	// 2*24.99 + 99.99
	if !strings.Contains(second.Reply, "Order placed successfully") ||
		!strings.Contains(second.Reply, "149.97") {
		t.Errorf("reply = %q", second.Reply)
	}
	// Both items travel in a single create_order call.
	if channel.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", channel.callCount())
	}
	created := channel.calls[0]
	if created.Tool != guardrail.ToolCreateOrder {
		t.Fatalf("tool = %s", created.Tool)
	}
	items, _ := created.Args["items"].([]any)
	if len(items) != 2 {
		t.Errorf("items = %v", created.Args["items"])
	}
}

func TestUnauthorizedIsGeneric(t *testing.T) {
	// No cancel scope granted.
	l, _ := newTestLoop(t, guardrail.ScopeOrderRead)
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "cancel my order")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	second, err := l.RunTurn(ctx, first.SessionID, "yes")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(second.Reply, "not allowed") {
		t.Errorf("reply = %q", second.Reply)
	}
	if strings.Contains(second.Reply, "order:cancel") || strings.Contains(second.Reply, "scope") {
		t.Errorf("reply leaks authorization internals: %q", second.Reply)
	}
}

// alwaysInvoke 永远提议再调一次工具的规划器
type alwaysInvoke struct{}

func (alwaysInvoke) Next(ctx context.Context, text string, view planner.View) planner.Action {
	return planner.InvokeTool(toolrpc.ToolCall{Tool: guardrail.ToolGetLatestOrder})
}

func TestStepCeilingStopsRunawayPlanner(t *testing.T) {
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend:       &storeBackend{store: orders.NewStoreMem(orders.SeedOrders())},
		GrantedScopes: []string{guardrail.ScopeOrderRead},
	})
	channel := &guardChannel{guard: guard}
	l := New(Options{
		Planner:  alwaysInvoke{},
		Channel:  channel,
		Sessions: session.NewManager(session.NewMemoryStore()),
		MaxSteps: 6,
	})

	result, err := l.RunTurn(context.Background(), "", "anything")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if channel.callCount() != 6 {
		t.Errorf("calls = %d, want exactly the ceiling", channel.callCount())
	}
	if !strings.Contains(result.Reply, "try again") {
		t.Errorf("reply = %q", result.Reply)
	}
}

// flakyChannel 首次调用返回可重试故障，之后成功
type flakyChannel struct {
	inner    ToolChannel
	failures int
	calls    []toolrpc.ToolCall
}

func (c *flakyChannel) Call(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result {
	c.calls = append(c.calls, call)
	if c.failures > 0 {
		c.failures--
		return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable, "backend down").
			WithRetryable(true))
	}
	return c.inner.Call(ctx, call)
}

func (c *flakyChannel) State() toolrpc.ChannelState      { return toolrpc.StateOpen }
func (c *flakyChannel) Reopen(ctx context.Context) error { return nil }

func TestRetryOncePerTurnWithSameKey(t *testing.T) {
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend: &storeBackend{store: orders.NewStoreMem(orders.SeedOrders())},
		GrantedScopes: []string{
			guardrail.ScopeOrderRead, guardrail.ScopeOrderCancel,
		},
	})
	flaky := &flakyChannel{inner: &guardChannel{guard: guard}, failures: 1}
	l := New(Options{
		Planner:  planner.NewRulePlanner(),
		Channel:  flaky,
		Sessions: session.NewManager(session.NewMemoryStore()),
	})
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "cancel my order")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	// Turn 1 absorbed the first failure via its retry; arm another for the
	// confirmed cancellation.
	flaky.failures = 1

	second, err := l.RunTurn(ctx, first.SessionID, "yes")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(second.Reply, "cancelled successfully") {
		t.Fatalf("reply = %q", second.Reply)
	}
	// The confirmed turn made two attempts with the same idempotency key.
	attempts := flaky.calls[len(flaky.calls)-2:]
	if attempts[0].Tool != guardrail.ToolRequestCancel || attempts[1].Tool != guardrail.ToolRequestCancel {
		t.Fatalf("attempts = %+v", attempts)
	}
	if attempts[0].IdempotencyKey != attempts[1].IdempotencyKey {
		t.Error("retry must reuse the same idempotency key")
	}
}

func TestExhaustedRetriesSurfaceOutage(t *testing.T) {
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend:       &storeBackend{store: orders.NewStoreMem(orders.SeedOrders())},
		GrantedScopes: []string{guardrail.ScopeOrderRead},
	})
	flaky := &flakyChannel{inner: &guardChannel{guard: guard}, failures: 10}
	l := New(Options{
		Planner:  planner.NewRulePlanner(),
		Channel:  flaky,
		Sessions: session.NewManager(session.NewMemoryStore()),
	})

	result, err := l.RunTurn(context.Background(), "", "show my latest order")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !strings.Contains(result.Reply, "try again shortly") {
		t.Errorf("reply = %q", result.Reply)
	}
	// One call plus exactly one retry.
	if len(flaky.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(flaky.calls))
	}
}

// serverGate 直接无确认调用变更工具的规划器，用于验证服务端闸门兜底
type serverGate struct{}

func (serverGate) Next(ctx context.Context, text string, view planner.View) planner.Action {
	if view.Pending != nil && strings.EqualFold(strings.TrimSpace(text), "yes") {
		call := *view.Pending
		call.Args = map[string]any{"order_id": "ORD-12345", "confirmed": true}
		call.IdempotencyKey = "gate-test-key-01"
		action := planner.InvokeTool(call)
		action.ClearPending = true
		return action
	}
	return planner.InvokeTool(toolrpc.ToolCall{
		Tool:           guardrail.ToolRequestCancel,
		Args:           map[string]any{"order_id": "ORD-12345"},
		IdempotencyKey: "gate-test-key-00",
	})
}

func TestServerConfirmationGateBecomesPrompt(t *testing.T) {
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend:       &storeBackend{store: orders.NewStoreMem(orders.SeedOrders())},
		GrantedScopes: []string{guardrail.ScopeOrderCancel},
	})
	channel := &guardChannel{guard: guard}
	l := New(Options{
		Planner:  serverGate{},
		Channel:  channel,
		Sessions: session.NewManager(session.NewMemoryStore()),
	})
	ctx := context.Background()

	first, err := l.RunTurn(ctx, "", "cancel it")
	if err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if !strings.Contains(first.Reply, "confirmation") && !strings.Contains(first.Reply, "Yes") {
		t.Fatalf("expected confirmation prompt, got %q", first.Reply)
	}

	second, err := l.RunTurn(ctx, first.SessionID, "yes")
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !strings.Contains(second.Reply, "cancelled successfully") {
		t.Errorf("reply = %q", second.Reply)
	}
}
