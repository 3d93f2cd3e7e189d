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

package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"order-agent/pkg/log"
)

// 业务错误码，随 HTTP 状态一并返回给后端客户端做映射
const (
	CodeNotFound       = "NOT_FOUND"
	CodeCannotCancel   = "CANNOT_CANCEL"
	CodeUnknownProduct = "UNKNOWN_PRODUCT"
	CodeInvalidItems   = "INVALID_ITEMS"
)

// Handler 订单服务 HTTP 接口
type Handler struct {
	store  Store
	token  string
	logger *log.Logger
}

// NewHandler 创建订单服务 Handler
func NewHandler(store Store, token string, logger *log.Logger) *Handler {
	return &Handler{store: store, token: token, logger: logger}
}

// Register 注册路由；除 /health 外全部要求静态 Bearer Token
func (h *Handler) Register(srv *server.Hertz) {
	srv.GET("/health", h.Health)
	v1 := srv.Group("/v1", h.authMiddleware())
	v1.GET("/me/orders/latest", h.LatestOrder)
	v1.GET("/orders/:id/status", h.OrderStatus)
	v1.POST("/orders/:id/cancel", h.CancelOrder)
	v1.POST("/orders", h.CreateOrder)
}

func (h *Handler) authMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		auth := string(ctx.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != h.token {
			ctx.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{
				"error": "invalid token",
			})
			return
		}
		ctx.Next(c)
	}
}

// Health 健康检查
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// LatestOrder GET /v1/me/orders/latest
func (h *Handler) LatestOrder(c context.Context, ctx *app.RequestContext) {
	order, err := h.store.Latest(c)
	if err != nil {
		h.serverError(ctx, err)
		return
	}
	if order == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{
			"error": "no orders found",
			"code":  CodeNotFound,
		})
		return
	}
	ctx.JSON(consts.StatusOK, order)
}

// OrderStatus GET /v1/orders/:id/status
func (h *Handler) OrderStatus(c context.Context, ctx *app.RequestContext) {
	orderID := ctx.Param("id")
	order, err := h.store.Get(c, orderID)
	if err != nil {
		h.serverError(ctx, err)
		return
	}
	if order == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("order %s not found", orderID),
			"code":  CodeNotFound,
		})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"order_id":  order.ID,
		"status":    order.Status,
		"cancelled": order.Cancelled,
	})
}

// CancelOrder POST /v1/orders/:id/cancel
// 已取消订单重复取消是幂等操作，返回 already_cancelled 而非错误
func (h *Handler) CancelOrder(c context.Context, ctx *app.RequestContext) {
	orderID := ctx.Param("id")
	idempotencyKey := string(ctx.GetHeader("Idempotency-Key"))
	order, already, err := h.store.Cancel(c, orderID)
	if err != nil {
		if err == ErrNotCancellable {
			ctx.JSON(consts.StatusConflict, map[string]string{
				"error": "only delayed orders can be cancelled",
				"code":  CodeCannotCancel,
			})
			return
		}
		h.serverError(ctx, err)
		return
	}
	if order == nil {
		ctx.JSON(consts.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("order %s not found", orderID),
			"code":  CodeNotFound,
		})
		return
	}
	if h.logger != nil {
		h.logger.Info("取消订单", "order_id", orderID,
			"already_cancelled", already, "idempotency_key", idempotencyKey)
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"order_id":          order.ID,
		"status":            order.Status,
		"already_cancelled": already,
	})
}

type createOrderRequest struct {
	Items []Item `json:"items"`
}

// CreateOrder POST /v1/orders
func (h *Handler) CreateOrder(c context.Context, ctx *app.RequestContext) {
	var req createOrderRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "malformed request body",
			"code":  CodeInvalidItems,
		})
		return
	}
	if len(req.Items) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "items must not be empty",
			"code":  CodeInvalidItems,
		})
		return
	}
	priced, total, err := PriceItems(req.Items)
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": err.Error(),
			"code":  CodeUnknownProduct,
		})
		return
	}
	now := time.Now()
	order := &Order{
		ID:        newOrderID(),
		Status:    StatusPlaced,
		Items:     priced,
		Total:     total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(c, order); err != nil {
		h.serverError(ctx, err)
		return
	}
	if h.logger != nil {
		h.logger.Info("创建订单", "order_id", order.ID, "total", order.Total)
	}
	ctx.JSON(consts.StatusCreated, order)
}

func (h *Handler) serverError(ctx *app.RequestContext, err error) {
	if h.logger != nil {
		h.logger.Error("订单存储访问失败", "error", err)
	}
	ctx.JSON(consts.StatusInternalServerError, map[string]string{
		"error": "internal error",
	})
}

// newOrderID 生成 ORD- 前缀的短订单号
func newOrderID() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:10]
	return "ORD-" + suffix
}
