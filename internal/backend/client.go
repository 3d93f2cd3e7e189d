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

// Package backend 订单后端 REST 客户端：HTTP 状态到工具错误分类的唯一映射点。
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"order-agent/internal/orders"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/log"
)

// Options 客户端配置
type Options struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	RetryCount     int
	Logger         *log.Logger
}

// Client 订单后端客户端
type Client struct {
	http   *resty.Client
	logger *log.Logger
}

// NewClient 创建后端客户端；仅传输层错误与 5xx 触发重试
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetAuthToken(opts.Token).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetTransport(&http.Transport{
			DialContext: (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext,
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() >= 500
		})
	return &Client{http: httpClient, logger: opts.Logger}
}

// errorBody 后端的错误响应体
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// mapError 把传输错误与非 2xx 响应折算成工具错误分类。
// 400/409 是业务规则拒绝，对调用方等同参数不合法
func mapError(resp *resty.Response, err error) *toolrpc.ToolError {
	if err != nil {
		return toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable, "order backend unreachable").
			WithRetryable(true)
	}
	var body errorBody
	_ = json.Unmarshal(resp.Body(), &body)
	message := body.Error
	if message == "" {
		message = fmt.Sprintf("order backend returned status %d", resp.StatusCode())
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return toolrpc.NewToolError(toolrpc.CodeUnauthorized, message)
	case resp.StatusCode() == http.StatusNotFound:
		return toolrpc.NewToolError(toolrpc.CodeNotFound, message)
	case resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusConflict:
		return toolrpc.NewToolError(toolrpc.CodeValidationFailed, message).
			WithDetails(map[string]any{"backend_code": body.Code})
	case resp.StatusCode() >= 500:
		return toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable, message).WithRetryable(true)
	default:
		return toolrpc.NewToolError(toolrpc.CodeUpstreamUnavailable, message)
	}
}

// GetLatestOrder 查询当前用户最新订单
func (c *Client) GetLatestOrder(ctx context.Context) (*orders.Order, error) {
	var order orders.Order
	resp, err := c.http.R().SetContext(ctx).SetResult(&order).
		Get("/v1/me/orders/latest")
	if err != nil || !resp.IsSuccess() {
		return nil, mapError(resp, err)
	}
	return &order, nil
}

// StatusResult 订单状态查询结果
type StatusResult struct {
	OrderID   string        `json:"order_id"`
	Status    orders.Status `json:"status"`
	Cancelled bool          `json:"cancelled"`
}

// GetOrderStatus 查询订单状态
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*StatusResult, error) {
	var result StatusResult
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).
		Get("/v1/orders/" + orderID + "/status")
	if err != nil || !resp.IsSuccess() {
		return nil, mapError(resp, err)
	}
	return &result, nil
}

// CancelResult 取消结果；重复取消时 AlreadyCancelled 为 true
type CancelResult struct {
	OrderID          string        `json:"order_id"`
	Status           orders.Status `json:"status"`
	AlreadyCancelled bool          `json:"already_cancelled"`
}

// CancelOrder 取消订单；幂等键透传给后端
func (c *Client) CancelOrder(ctx context.Context, orderID, idempotencyKey string) (*CancelResult, error) {
	var result CancelResult
	req := c.http.R().SetContext(ctx).SetResult(&result)
	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}
	resp, err := req.Post("/v1/orders/" + orderID + "/cancel")
	if err != nil || !resp.IsSuccess() {
		return nil, mapError(resp, err)
	}
	return &result, nil
}

// CreateOrder 创建订单
func (c *Client) CreateOrder(ctx context.Context, items []orders.Item) (*orders.Order, error) {
	var order orders.Order
	resp, err := c.http.R().SetContext(ctx).SetResult(&order).
		SetBody(map[string]any{"items": items}).
		Post("/v1/orders")
	if err != nil || !resp.IsSuccess() {
		return nil, mapError(resp, err)
	}
	return &order, nil
}
