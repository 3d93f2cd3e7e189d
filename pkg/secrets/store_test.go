package secrets

import (
	"context"
	"os"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Set(ctx, "backend_token", "demo-token-12345"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := s.Get(ctx, "backend_token")
	if err != nil || v != "demo-token-12345" {
		t.Errorf("Get: v=%q err=%v", v, err)
	}
	if _, err := s.Get(ctx, "missing"); err == nil {
		t.Error("Get missing should fail")
	}
	if err := s.Delete(ctx, "backend_token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "backend_token"); err == nil {
		t.Error("Get after Delete should fail")
	}
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, "orders_token", "a")
	_ = s.Set(ctx, "orders_dsn", "b")
	_ = s.Set(ctx, "other", "c")
	keys, err := s.List(ctx, "orders_")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List: expected 2 keys, got %v", keys)
	}
}

func TestEnvStore(t *testing.T) {
	ctx := context.Background()
	s := NewEnvStore()
	t.Setenv("ORDER_AGENT_TEST_SECRET", "v1")
	v, err := s.Get(ctx, "ORDER_AGENT_TEST_SECRET")
	if err != nil || v != "v1" {
		t.Errorf("Get: v=%q err=%v", v, err)
	}
	os.Unsetenv("ORDER_AGENT_TEST_SECRET")
	if _, err := s.Get(ctx, "ORDER_AGENT_TEST_SECRET"); err == nil {
		t.Error("Get unset env should fail")
	}
}

func TestNewStore_Defaults(t *testing.T) {
	s, err := NewStore(Config{Provider: "memory"})
	if err != nil || s == nil {
		t.Fatalf("NewStore memory: %v", err)
	}
	s, err = NewStore(Config{})
	if err != nil || s == nil {
		t.Fatalf("NewStore default: %v", err)
	}
}
