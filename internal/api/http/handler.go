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

package http

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"order-agent/internal/agent/loop"
	"order-agent/internal/runtime/session"
	"order-agent/pkg/log"
	"order-agent/pkg/metrics"
)

// Handler agent 服务 HTTP 处理器
type Handler struct {
	loop     *loop.Loop
	sessions *session.Manager
	logger   *log.Logger
}

// NewHandler 创建 HTTP 处理器
func NewHandler(l *loop.Loop, sessions *session.Manager, logger *log.Logger) *Handler {
	return &Handler{loop: l, sessions: sessions, logger: logger}
}

// ChatRequest 会话请求；session_id 缺省时开启新会话
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse 会话应答
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "agent-service",
		"timestamp": time.Now().Unix(),
	})
}

// Chat 执行一轮对话
// POST /api/chat
func (h *Handler) Chat(c context.Context, ctx *app.RequestContext) {
	var req ChatRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "message is required",
		})
		return
	}

	result, err := h.loop.RunTurn(c, req.SessionID, req.Message)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("turn failed", "session_id", req.SessionID, "error", err)
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to process message",
		})
		return
	}

	ctx.JSON(consts.StatusOK, ChatResponse{
		SessionID: result.SessionID,
		Reply:     result.Reply,
	})
}

// ListSessions 列出会话（调试接口）
// GET /api/sessions
func (h *Handler) ListSessions(c context.Context, ctx *app.RequestContext) {
	sessions, err := h.sessions.List(c)
	if err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to list sessions",
		})
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		created, updated := s.Timestamps()
		out = append(out, map[string]any{
			"session_id": s.ID,
			"messages":   len(s.CopyMessages()),
			"created_at": created,
			"updated_at": updated,
		})
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"sessions": out,
		"total":    len(out),
	})
}

// DeleteSession 删除会话（调试接口）
// DELETE /api/sessions/:id
func (h *Handler) DeleteSession(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if id == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "session id is required",
		})
		return
	}
	if err := h.sessions.Delete(c, id); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to delete session",
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{"deleted": id})
}

// Metrics Prometheus 指标导出
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to gather metrics",
		})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
