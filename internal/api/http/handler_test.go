package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"order-agent/internal/agent/loop"
	"order-agent/internal/agent/planner"
	"order-agent/internal/api/http/middleware"
	"order-agent/internal/runtime/session"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/config"
)

// echoPlanner 将用户输入原样回显，HTTP 层测试不关心规划逻辑
type echoPlanner struct{}

func (echoPlanner) Next(ctx context.Context, text string, view planner.View) planner.Action {
	return planner.Reply("echo: " + text)
}

type nopChannel struct{}

func (nopChannel) Call(ctx context.Context, call toolrpc.ToolCall) toolrpc.Result {
	return toolrpc.Fail(toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable, "no tool server"))
}
func (nopChannel) State() toolrpc.ChannelState      { return toolrpc.StateOpen }
func (nopChannel) Reopen(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, sessionJWT bool) (*server.Hertz, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(session.NewMemoryStore())
	l := loop.New(loop.Options{
		Planner:  echoPlanner{},
		Channel:  nopChannel{},
		Sessions: sessions,
	})
	handler := NewHandler(l, sessions, nil)
	mw := middleware.NewMiddleware(config.CORSConfig{}, nil)

	router := NewRouter(handler, mw, nil)
	if sessionJWT {
		authMW, err := middleware.NewSessionJWT(config.MiddlewareConfig{
			JWTKey:      "test-signing-key",
			JWTUser:     "admin",
			JWTPassword: "admin-pass",
		})
		if err != nil {
			t.Fatalf("jwt middleware: %v", err)
		}
		router = NewRouter(handler, mw, authMW)
	}

	srv := server.Default(server.WithHostPorts(":0"))
	router.Register(srv)
	return srv, sessions
}

func postJSON(t *testing.T, srv *server.Hertz, path string, payload any, headers ...ut.Header) *ut.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(srv.Engine, "POST", path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func TestChatCreatesAndReusesSession(t *testing.T) {
	srv, _ := newTestServer(t, false)

	w := postJSON(t, srv, "/api/chat", ChatRequest{Message: "hello"})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("status = %d, body = %s", resp.StatusCode(), resp.Body())
	}
	var first ChatResponse
	if err := json.Unmarshal(resp.Body(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.SessionID == "" || first.Reply != "echo: hello" {
		t.Errorf("response: %+v", first)
	}

	w = postJSON(t, srv, "/api/chat", ChatRequest{SessionID: first.SessionID, Message: "again"})
	var second ChatResponse
	if err := json.Unmarshal(w.Result().Body(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session_id = %s, want %s", second.SessionID, first.SessionID)
	}
}

func TestChatRequiresMessage(t *testing.T) {
	srv, _ := newTestServer(t, false)
	w := postJSON(t, srv, "/api/chat", ChatRequest{Message: "   "})
	if w.Result().StatusCode() != 400 {
		t.Errorf("status = %d, want 400", w.Result().StatusCode())
	}
}

func TestSessionDebugRoutes(t *testing.T) {
	srv, _ := newTestServer(t, false)

	w := postJSON(t, srv, "/api/chat", ChatRequest{Message: "hello"})
	var chat ChatResponse
	if err := json.Unmarshal(w.Result().Body(), &chat); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w = ut.PerformRequest(srv.Engine, "GET", "/api/sessions",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	var listing struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(w.Result().Body(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Total != 1 {
		t.Errorf("total = %d, want 1", listing.Total)
	}

	w = ut.PerformRequest(srv.Engine, "DELETE", "/api/sessions/"+chat.SessionID,
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("delete status = %d", w.Result().StatusCode())
	}

	w = ut.PerformRequest(srv.Engine, "GET", "/api/sessions",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if err := json.Unmarshal(w.Result().Body(), &listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Total != 0 {
		t.Errorf("total after delete = %d, want 0", listing.Total)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, false)
	w := ut.PerformRequest(srv.Engine, "GET", "/metrics",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("status = %d", resp.StatusCode())
	}
	if !strings.Contains(string(resp.Body()), "orderagent_") {
		t.Error("metrics body missing orderagent_ series")
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, false)
	w := ut.PerformRequest(srv.Engine, "GET", "/api/health",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 200 {
		t.Errorf("status = %d", w.Result().StatusCode())
	}
}

func TestJWTProtectsSessionRoutes(t *testing.T) {
	srv, _ := newTestServer(t, true)

	// Chat stays open.
	w := postJSON(t, srv, "/api/chat", ChatRequest{Message: "hi"})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("chat status = %d", w.Result().StatusCode())
	}

	// Debug routes require a token.
	w = ut.PerformRequest(srv.Engine, "GET", "/api/sessions",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 401 {
		t.Fatalf("unauthenticated status = %d, want 401", w.Result().StatusCode())
	}

	w = postJSON(t, srv, "/api/login", map[string]string{
		"username": "admin", "password": "admin-pass",
	})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("login status = %d, body = %s", resp.StatusCode(), resp.Body())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body(), &login); err != nil || login.Token == "" {
		t.Fatalf("login body = %s", resp.Body())
	}

	w = ut.PerformRequest(srv.Engine, "GET", "/api/sessions",
		&ut.Body{Body: bytes.NewReader(nil), Len: 0},
		ut.Header{Key: "Authorization", Value: "Bearer " + login.Token})
	if w.Result().StatusCode() != 200 {
		t.Errorf("authenticated status = %d, body = %s", w.Result().StatusCode(), w.Result().Body())
	}

	w = postJSON(t, srv, "/api/login", map[string]string{
		"username": "admin", "password": "wrong",
	})
	if w.Result().StatusCode() != 401 {
		t.Errorf("bad login status = %d, want 401", w.Result().StatusCode())
	}
}
