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

// toolserver 工具服务子进程：stdin/stdout 走协议帧，所有日志只写 stderr。
// backend 地址、token、scope 由父进程经环境变量传入。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"order-agent/internal/backend"
	"order-agent/internal/guardrail"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/config"
	"order-agent/pkg/log"
)

func main() {
	cfg, err := config.LoadToolServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLoggerWithOutput(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	backendClient := backend.NewClient(backend.Options{
		BaseURL:        cfg.Backend.BaseURL,
		Token:          os.Getenv("BACKEND_API_TOKEN"),
		Timeout:        config.ParseDuration(cfg.Backend.Timeout, 5*time.Second),
		ConnectTimeout: config.ParseDuration(cfg.Backend.ConnectTimeout, 2*time.Second),
		RetryCount:     cfg.Backend.RetryCount,
		Logger:         logger,
	})

	idemStore, sweep := buildIdempotencyStore(cfg, logger)
	guard := guardrail.NewGuard(guardrail.GuardOptions{
		Backend:       backendClient,
		Idempotency:   idemStore,
		Limiter:       buildLimiter(cfg),
		GrantedScopes: parseScopes(os.Getenv("TOOL_SCOPES")),
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if sweep != nil {
		go sweep(ctx)
	}

	logger.Info("toolserver 启动", "backend", cfg.Backend.BaseURL)
	if err := toolrpc.Serve(ctx, os.Stdin, os.Stdout, guard, logger); err != nil {
		logger.Error("协议循环退出", "error", err)
		os.Exit(1)
	}
}

func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// buildIdempotencyStore 按配置选择幂等存储；内存实现附带定期清理
func buildIdempotencyStore(cfg *config.Config, logger *log.Logger) (guardrail.IdempotencyStore, func(context.Context)) {
	ttl := config.ParseDuration(cfg.Idempotency.TTL, 24*time.Hour)

	if cfg.Idempotency.Type == "redis" && cfg.Idempotency.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Idempotency.Redis.Addr,
			Password: cfg.Idempotency.Redis.Password,
			DB:       cfg.Idempotency.Redis.DB,
		})
		logger.Info("幂等存储使用 redis", "addr", cfg.Idempotency.Redis.Addr)
		return guardrail.NewIdempotencyRedis(client, ttl), nil
	}

	mem := guardrail.NewIdempotencyMem(ttl)
	sweep := func(ctx context.Context) {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := mem.Sweep(); removed > 0 {
					logger.Info("清理过期幂等记录", "removed", removed)
				}
			}
		}
	}
	return mem, sweep
}

func buildLimiter(cfg *config.Config) *guardrail.ToolLimiter {
	if len(cfg.RateLimits.Tools) == 0 {
		return nil
	}
	limits := make(map[string]guardrail.RateLimit, len(cfg.RateLimits.Tools))
	for tool, rl := range cfg.RateLimits.Tools {
		limits[tool] = guardrail.RateLimit{QPS: rl.QPS, Burst: rl.Burst}
	}
	return guardrail.NewToolLimiter(limits)
}
