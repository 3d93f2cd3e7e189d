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

package guardrail

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit 单个工具的限流参数
type RateLimit struct {
	QPS   float64
	Burst int
}

// ToolLimiter 按工具名限流；未配置的工具不限流
type ToolLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	config   map[string]RateLimit
}

// NewToolLimiter 创建限流器
func NewToolLimiter(config map[string]RateLimit) *ToolLimiter {
	return &ToolLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

// Allow 判定本次调用是否放行
func (l *ToolLimiter) Allow(tool string) bool {
	cfg, ok := l.config[tool]
	if !ok || cfg.QPS <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[tool]
	if !ok {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
		l.limiters[tool] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
