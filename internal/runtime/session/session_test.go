package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"order-agent/internal/toolrpc"
)

func TestGetOrCreateMintsID(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, created, err := manager.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created {
		t.Error("empty id must create a session")
	}
	if !strings.HasPrefix(s.ID, "session-") {
		t.Errorf("minted id = %q", s.ID)
	}

	// Unknown id creates a session under that id.
	s2, created, err := manager.GetOrCreate(ctx, "session-custom-id")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created || s2.ID != "session-custom-id" {
		t.Errorf("created=%v id=%q", created, s2.ID)
	}

	// Known id returns the same session.
	s3, created, err := manager.GetOrCreate(ctx, s2.ID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created || s3 != s2 {
		t.Error("existing session must be returned as-is")
	}
}

func TestPendingActionLifecycle(t *testing.T) {
	s := New("")
	call := toolrpc.ToolCall{Tool: "request_order_cancellation", Args: map[string]any{"order_id": "ORD-12345"}}
	s.SetPending(call, "Cancel order ORD-12345?")

	pending := s.PeekPending(time.Minute)
	if pending == nil || pending.Call.Tool != call.Tool {
		t.Fatalf("PeekPending = %+v", pending)
	}

	taken := s.TakePending(time.Minute)
	if taken == nil {
		t.Fatal("TakePending returned nil")
	}
	if s.PeekPending(time.Minute) != nil {
		t.Error("pending must be cleared after take")
	}
}

func TestPendingActionExpiry(t *testing.T) {
	s := New("")
	s.SetPending(toolrpc.ToolCall{Tool: "create_order"}, "Place the order?")
	s.Pending.CreatedAt = time.Now().Add(-10 * time.Minute)

	if s.PeekPending(5*time.Minute) != nil {
		t.Error("expired pending must be invisible")
	}
	if s.Pending != nil {
		t.Error("expired pending must be cleared")
	}

	s.SetPending(toolrpc.ToolCall{Tool: "create_order"}, "Place the order?")
	s.Pending.CreatedAt = time.Now().Add(-10 * time.Minute)
	if s.TakePending(5*time.Minute) != nil {
		t.Error("TakePending must drop expired actions")
	}
}

func TestTurnLockSerialisesSameSession(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	const id = "session-lock-test"

	var inTurn int
	var maxInTurn int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.Lock(id)
			defer manager.Unlock(id)
			mu.Lock()
			inTurn++
			if inTurn > maxInTurn {
				maxInTurn = inTurn
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inTurn--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxInTurn != 1 {
		t.Errorf("max concurrent turns = %d, want 1", maxInTurn)
	}
}

func TestDeleteDuringTurnKeepsLockUsable(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, _, err := manager.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// 调试接口在回合进行中删除会话：锁条目必须保留到回合自己释放
	manager.Lock(s.ID)
	if err := manager.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	manager.Unlock(s.ID)

	// 后续回合对同一 ID 的锁仍然成对工作
	manager.Lock(s.ID)
	manager.Unlock(s.ID)
}

func TestTimestampsReflectUpdates(t *testing.T) {
	s := New("")
	created, updated := s.Timestamps()
	if created.IsZero() || !created.Equal(updated) {
		t.Fatalf("fresh session timestamps: created=%v updated=%v", created, updated)
	}

	time.Sleep(time.Millisecond)
	s.AddMessage(RoleUser, "hello")
	_, after := s.Timestamps()
	if !after.After(updated) {
		t.Errorf("updated_at not advanced: before=%v after=%v", updated, after)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddMessage(RoleAssistant, "reply")
			s.Timestamps()
		}()
	}
	wg.Wait()
}

func TestDeleteSession(t *testing.T) {
	manager := NewManager(NewMemoryStore())
	ctx := context.Background()

	s, _, err := manager.GetOrCreate(ctx, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := manager.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := manager.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("deleted session still present")
	}
}
