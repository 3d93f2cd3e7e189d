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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"order-agent/pkg/config"
	"order-agent/pkg/log"
)

// Middleware 中间件管理器
type Middleware struct {
	cors   config.CORSConfig
	logger *log.Logger
}

// NewMiddleware 创建中间件管理器
func NewMiddleware(cors config.CORSConfig, logger *log.Logger) *Middleware {
	return &Middleware{cors: cors, logger: logger}
}

// CORS CORS 中间件；未配置 allow_origins 时放通所有来源
func (m *Middleware) CORS() app.HandlerFunc {
	origins := "*"
	if len(m.cors.AllowOrigins) > 0 {
		origins = strings.Join(m.cors.AllowOrigins, ", ")
	}
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.Header("Access-Control-Allow-Origin", origins)
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		ctx.Header("Access-Control-Max-Age", "86400")

		if string(ctx.Method()) == "OPTIONS" {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}

// AccessLog 访问审计：每个请求一条结构化日志
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		if m.logger == nil {
			return
		}
		m.logger.Info("http request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
