package toolrpc

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

// stubHandler serves a fixed catalog and echoes call args back as payload.
type stubHandler struct {
	mu    sync.Mutex
	calls []ToolCall
	delay time.Duration
}

func (h *stubHandler) ListTools(ctx context.Context) []ToolSpec {
	return []ToolSpec{
		{Name: "get_order_status", RequiredScope: "order:read"},
		{Name: "request_order_cancellation", Mutating: true, RequiresConfirm: true, RequiredScope: "order:cancel"},
	}
}

func (h *stubHandler) CallTool(ctx context.Context, call ToolCall) Result {
	h.mu.Lock()
	h.calls = append(h.calls, call)
	h.mu.Unlock()
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
		}
	}
	if call.Tool == "missing" {
		return Fail(NewToolError(CodeNotFound, "no such order"))
	}
	return Ok(map[string]any{"tool": call.Tool, "args": call.Args})
}

// pipeDialer wires the client to an in-process Serve loop over io.Pipe.
func pipeDialer(handler Handler) (Dialer, *sync.WaitGroup) {
	var wg sync.WaitGroup
	dial := func(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
		clientToServer, clientWriter := io.Pipe()
		serverToClient, serverWriter := io.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Serve(context.Background(), clientToServer, serverWriter, handler, nil)
			_ = serverWriter.Close()
		}()
		wait := func() error {
			_ = clientToServer.Close()
			return nil
		}
		return clientWriter, serverToClient, wait, nil
	}
	return dial, &wg
}

func newTestClient(t *testing.T, handler Handler, timeout time.Duration) *Client {
	t.Helper()
	dial, _ := pipeDialer(handler)
	client := NewClient(ClientOptions{Dial: dial, CallTimeout: timeout})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCallRoundTrip(t *testing.T) {
	handler := &stubHandler{}
	client := newTestClient(t, handler, 2*time.Second)

	result := client.Call(context.Background(), ToolCall{
		Tool: "get_order_status",
		Args: map[string]any{"order_id": "ORD-12345"},
	})
	if !result.OK {
		t.Fatalf("expected ok result, got error: %v", result.Err)
	}
	var payload struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := result.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.Tool != "get_order_status" {
		t.Errorf("payload tool = %q, want get_order_status", payload.Tool)
	}
	if payload.Args["order_id"] != "ORD-12345" {
		t.Errorf("payload args = %v", payload.Args)
	}
}

func TestCallToolError(t *testing.T) {
	client := newTestClient(t, &stubHandler{}, 2*time.Second)

	result := client.Call(context.Background(), ToolCall{Tool: "missing"})
	if result.OK {
		t.Fatal("expected error result")
	}
	if result.Err.Code != CodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", result.Err.Code)
	}
	if result.Err.Retryable {
		t.Error("NOT_FOUND must not be retryable")
	}
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	client := newTestClient(t, &stubHandler{}, 5*time.Second)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tool := "get_order_status"
			if i%2 == 0 {
				tool = "request_order_cancellation"
			}
			result := client.Call(context.Background(), ToolCall{
				Tool: tool,
				Args: map[string]any{"order_id": "ORD-12345", "seq": float64(i)},
			})
			if !result.OK {
				errs <- result.Err.Message
				return
			}
			var payload struct {
				Tool string         `json:"tool"`
				Args map[string]any `json:"args"`
			}
			if err := result.DecodePayload(&payload); err != nil {
				errs <- err.Error()
				return
			}
			if payload.Tool != tool || payload.Args["seq"] != float64(i) {
				errs <- "response correlated to wrong call"
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}

func TestCallTimeout(t *testing.T) {
	handler := &stubHandler{delay: time.Second}
	client := newTestClient(t, handler, 50*time.Millisecond)

	result := client.Call(context.Background(), ToolCall{Tool: "get_order_status"})
	if result.OK {
		t.Fatal("expected timeout failure")
	}
	if result.Err.Code != CodeUpstreamUnavailable {
		t.Errorf("code = %s, want UPSTREAM_UNAVAILABLE", result.Err.Code)
	}
	if !result.Err.Retryable {
		t.Error("timeout must be retryable")
	}
}

func TestBrokenChannelAndReopen(t *testing.T) {
	handler := &stubHandler{}
	dial, _ := pipeDialer(handler)
	client := NewClient(ClientOptions{Dial: dial, CallTimeout: 2 * time.Second})
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer client.Close()

	if client.State() != StateOpen {
		t.Fatalf("state = %s, want open", client.State())
	}

	// Kill the server side; the read loop must mark the channel broken.
	client.mu.Lock()
	cn := client.conn
	client.mu.Unlock()
	_ = cn.writer.Close()

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != StateBroken {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want broken", client.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	result := client.Call(context.Background(), ToolCall{Tool: "get_order_status"})
	if result.OK || result.Err.Code != CodeUpstreamUnavailable {
		t.Fatalf("call on broken channel: %+v", result)
	}
	// Outcome of in-flight work is unknown on a broken channel, so never retryable.
	if result.Err.Retryable {
		t.Error("broken-channel error must not be retryable")
	}

	if err := client.Reopen(context.Background()); err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if client.State() != StateOpen {
		t.Fatalf("state after reopen = %s, want open", client.State())
	}
	result = client.Call(context.Background(), ToolCall{Tool: "get_order_status"})
	if !result.OK {
		t.Fatalf("call after reopen failed: %v", result.Err)
	}
}

func TestListTools(t *testing.T) {
	client := newTestClient(t, &stubHandler{}, 2*time.Second)

	specs, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2", len(specs))
	}
	if specs[1].Name != "request_order_cancellation" || !specs[1].RequiresConfirm {
		t.Errorf("unexpected spec: %+v", specs[1])
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	handler := &stubHandler{}
	client := newTestClient(t, handler, 2*time.Second)

	reply, err := client.roundTrip(context.Background(), "tools/bogus", struct{}{})
	if err != nil {
		t.Fatalf("roundTrip failed: %v", err)
	}
	if reply.Error == "" {
		t.Fatal("expected protocol error for unknown method")
	}
}

func TestResultEnvelopeEncoding(t *testing.T) {
	result := Fail(NewToolError(CodeConflict, "idempotency key reuse").WithDetails(map[string]any{"key": "k-1"}))
	data, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Result
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.OK || decoded.Err == nil || decoded.Err.Code != CodeConflict {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}
	if decoded.Err.Details["key"] != "k-1" {
		t.Errorf("details lost: %v", decoded.Err.Details)
	}
}
