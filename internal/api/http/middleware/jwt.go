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
	"crypto/subtle"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/jwt"

	"order-agent/pkg/config"
)

const identityKey = "user"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewSessionJWT 构建保护会话调试接口的 JWT 中间件。
// 未配置 jwt_key 时调试接口不设防，由调用方决定是否挂载。
func NewSessionJWT(cfg config.MiddlewareConfig) (*jwt.HertzJWTMiddleware, error) {
	timeout := parseDuration(cfg.JWTTimeout, time.Hour)
	maxRefresh := parseDuration(cfg.JWTMaxRefresh, time.Hour)

	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "order-agent",
		Key:           []byte(cfg.JWTKey),
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		IdentityKey:   identityKey,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		Authenticator: func(c context.Context, ctx *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := ctx.BindJSON(&req); err != nil {
				return nil, jwt.ErrMissingLoginValues
			}
			userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(cfg.JWTUser)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(cfg.JWTPassword)) == 1
			if !userOK || !passOK {
				return nil, jwt.ErrFailedAuthentication
			}
			return req.Username, nil
		},
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if user, ok := data.(string); ok {
				return jwt.MapClaims{identityKey: user}
			}
			return jwt.MapClaims{}
		},
		Unauthorized: func(c context.Context, ctx *app.RequestContext, code int, message string) {
			ctx.JSON(code, map[string]string{"error": message})
		},
	})
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
