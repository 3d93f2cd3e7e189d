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

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"order-agent/internal/agent/loop"
	"order-agent/internal/agent/planner"
	apihttp "order-agent/internal/api/http"
	"order-agent/internal/api/http/middleware"
	"order-agent/internal/guardrail"
	"order-agent/internal/runtime/session"
	"order-agent/internal/toolrpc"
	"order-agent/pkg/config"
	"order-agent/pkg/log"
	"order-agent/pkg/secrets"
)

// 传给 toolserver 子进程的环境变量约定
const (
	EnvBackendBaseURL = "BACKEND_BASE_URL"
	EnvBackendToken   = "BACKEND_API_TOKEN"
	EnvToolScopes     = "TOOL_SCOPES"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App agent 服务（装配 toolrpc Client、Planner、Loop、HTTP Router）
type App struct {
	cfg          *config.Config
	logger       *log.Logger
	toolClient   *toolrpc.Client
	router       *apihttp.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 agent 应用（由 cmd/agent 调用）
func NewApp(cfg *config.Config) (*App, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	secretStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}

	tokenKey := cfg.Backend.TokenSecretKey
	if tokenKey == "" {
		tokenKey = EnvBackendToken
	}
	backendToken, err := secretStore.Get(context.Background(), tokenKey)
	if err != nil {
		return nil, fmt.Errorf("获取 backend token 失败: %w", err)
	}

	toolClient := toolrpc.NewClient(toolrpc.ClientOptions{
		Dial:        subprocessDialer(cfg, backendToken),
		CallTimeout: config.ParseDuration(cfg.ToolServer.CallTimeout, 10*time.Second),
		Logger:      logger,
	})

	turnPlanner, err := buildPlanner(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.NewMemoryStore())
	turnLoop := loop.New(loop.Options{
		Planner:    turnPlanner,
		Channel:    toolClient,
		Sessions:   sessions,
		MaxSteps:   cfg.Agent.MaxSteps,
		PendingTTL: config.ParseDuration(cfg.Agent.PendingActionTTL, 5*time.Minute),
		Logger:     logger,
	})

	handler := apihttp.NewHandler(turnLoop, sessions, logger)
	mw := middleware.NewMiddleware(cfg.API.CORS, logger)
	router := apihttp.NewRouter(handler, mw, nil)
	if cfg.API.Middleware.Auth && cfg.API.Middleware.JWTKey != "" {
		authMW, err := middleware.NewSessionJWT(cfg.API.Middleware)
		if err != nil {
			return nil, fmt.Errorf("初始化 JWT 中间件失败: %w", err)
		}
		router = apihttp.NewRouter(handler, mw, authMW)
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		toolClient: toolClient,
		router:     router,
	}, nil
}

// subprocessDialer 按配置拉起 toolserver 子进程；backend 地址、token、scope
// 经环境变量传入（进程边界约定，见 configs/agent.yaml）
func subprocessDialer(cfg *config.Config, backendToken string) toolrpc.Dialer {
	command := cfg.ToolServer.Command
	if command == "" {
		command = "./toolserver"
	}
	scopes := cfg.Agent.Scopes
	if len(scopes) == 0 {
		scopes = []string{guardrail.ScopeOrderRead, guardrail.ScopeOrderCancel, guardrail.ScopeOrderWrite}
	}
	env := append(os.Environ(),
		EnvBackendBaseURL+"="+cfg.Backend.BaseURL,
		EnvBackendToken+"="+backendToken,
		EnvToolScopes+"="+strings.Join(scopes, ","),
	)
	return toolrpc.SubprocessDialer(command, cfg.ToolServer.Args, env)
}

func buildPlanner(cfg *config.Config, logger *log.Logger) (planner.Planner, error) {
	if cfg.Agent.Planner.Type == "llm" {
		p, err := planner.NewLLMPlanner(context.Background(), planner.LLMPlannerConfig{
			Model:   cfg.Agent.Planner.OpenAI.Model,
			APIKey:  cfg.Agent.Planner.OpenAI.APIKey,
			BaseURL: cfg.Agent.Planner.OpenAI.BaseURL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化 LLM 规划器失败: %w", err)
		}
		logger.Info("使用 LLM 规划器", "model", cfg.Agent.Planner.OpenAI.Model)
		return p, nil
	}
	return planner.NewRulePlanner(), nil
}

// Run 打开工具通道并启动 HTTP 服务（阻塞直到 Shutdown）
func (a *App) Run(addr string) error {
	a.logger.Info("agent 服务启动", "addr", addr)

	// Hertz 自身日志走 slog 扩展，与 pkg/log 输出对齐
	output := os.Stdout
	if a.cfg.Log.File != "" {
		f, err := os.OpenFile(a.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(a.cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.toolClient.Open(openCtx); err != nil {
		return fmt.Errorf("启动 toolserver 失败: %w", err)
	}

	// 可选：启用链路追踪（OpenTelemetry）
	if a.cfg.Monitoring.Tracing.Enable {
		serviceName := a.cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "order-agent"
		}
		exportEndpoint := a.cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if a.cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	return a.hertz.Run()
}

// Shutdown 优雅关闭：先停 HTTP，再关闭 toolserver 子进程
func (a *App) Shutdown(ctx context.Context) error {
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	if err := a.toolClient.Close(); err != nil {
		a.logger.Error("关闭 toolserver 通道失败", "error", err)
	}
	return nil
}
