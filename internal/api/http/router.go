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
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/hertz-contrib/jwt"

	"order-agent/internal/api/http/middleware"
)

// Router agent 服务路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	sessionJWT *jwt.HertzJWTMiddleware
}

// NewRouter 创建路由器；sessionJWT 为 nil 时调试接口不设防
func NewRouter(handler *Handler, mw *middleware.Middleware, sessionJWT *jwt.HertzJWTMiddleware) *Router {
	return &Router{handler: handler, middleware: mw, sessionJWT: sessionJWT}
}

// Build 创建 Hertz Server 并注册路由（由 app 层调用）
func (r *Router) Build(addr string, opts ...hertzconfig.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	srv := server.Default(opts...)
	r.Register(srv)
	return srv
}

// Register 注册全部路由
func (r *Router) Register(srv *server.Hertz) {
	srv.Use(r.middleware.CORS())
	srv.Use(r.middleware.AccessLog())

	srv.GET("/metrics", r.handler.Metrics)

	api := srv.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.POST("/chat", r.handler.Chat)

	sessions := api.Group("/sessions")
	if r.sessionJWT != nil {
		api.POST("/login", r.sessionJWT.LoginHandler)
		sessions.Use(r.sessionJWT.MiddlewareFunc())
	}
	sessions.GET("", r.handler.ListSessions)
	sessions.DELETE("/:id", r.handler.DeleteSession)
}
