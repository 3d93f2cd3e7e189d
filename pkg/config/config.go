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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体（agent / toolserver / backend 三个进程共用）
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Agent       AgentConfig       `mapstructure:"agent"`
	ToolServer  ToolServerConfig  `mapstructure:"toolserver"`
	Backend     BackendConfig     `mapstructure:"backend"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	RateLimits  RateLimitsConfig  `mapstructure:"rate_limits"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// APIConfig agent API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// MiddlewareConfig API 中间件配置（JWT 仅保护 session 调试端点）
type MiddlewareConfig struct {
	Auth          bool   `mapstructure:"auth"`
	JWTKey        string `mapstructure:"jwt_key"`
	JWTTimeout    string `mapstructure:"jwt_timeout"`
	JWTMaxRefresh string `mapstructure:"jwt_max_refresh"`
	JWTUser       string `mapstructure:"jwt_user"`     // 调试接口登录用户名
	JWTPassword   string `mapstructure:"jwt_password"` // 调试接口登录口令，支持 ${ENV}
}

// AgentConfig 编排循环与规划器配置
type AgentConfig struct {
	MaxSteps         int           `mapstructure:"max_steps"`          // 单轮步数上限，<=0 使用默认 6
	PendingActionTTL string        `mapstructure:"pending_action_ttl"` // 待确认动作有效期，如 "5m"，空则默认 5m
	Scopes           []string      `mapstructure:"scopes"`             // 授予 toolserver 的 scope 列表
	Planner          PlannerConfig `mapstructure:"planner"`
}

// PlannerConfig 规划器选择：rule（默认，确定性）| llm
type PlannerConfig struct {
	Type   string             `mapstructure:"type"`
	OpenAI PlannerOpenAIModel `mapstructure:"openai"`
}

// PlannerOpenAIModel llm 规划器的模型配置（eino OpenAI 兼容）
type PlannerOpenAIModel struct {
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// ToolServerConfig 工具子进程配置（由 agent 进程拉起）
type ToolServerConfig struct {
	Command     string   `mapstructure:"command"`      // 可执行文件路径，如 "./toolserver"
	Args        []string `mapstructure:"args"`         // 附加参数
	CallTimeout string   `mapstructure:"call_timeout"` // 单次工具调用超时，如 "10s"
}

// BackendConfig 订单后端访问配置（toolserver 使用）
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TokenSecretKey string `mapstructure:"token_secret_key"` // secrets.Store 中的 token key
	Timeout        string `mapstructure:"timeout"`          // 如 "5s"
	ConnectTimeout string `mapstructure:"connect_timeout"`  // 如 "2s"
	RetryCount     int    `mapstructure:"retry_count"`      // 传输层错误重试次数
}

// OrdersConfig mock 订单后端进程配置
type OrdersConfig struct {
	Port    int           `mapstructure:"port"`
	Token   string        `mapstructure:"token"` // 期望的 bearer token，支持 ${ENV}
	Storage StorageConfig `mapstructure:"storage"`
}

// StorageConfig 订单存储配置
type StorageConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // Postgres 连接串，type=postgres 时必填
}

// IdempotencyConfig 幂等记录存储配置（toolserver）
type IdempotencyConfig struct {
	Type  string      `mapstructure:"type"` // memory | redis
	TTL   string      `mapstructure:"ttl"`  // 记录保留时长，如 "24h"，空则不过期
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitsConfig 工具限流配置
type RateLimitsConfig struct {
	Tools map[string]ToolRateLimitConfig `mapstructure:"tools"`
}

// ToolRateLimitConfig 单个工具的限流配置
type ToolRateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// SecretsConfig secret 提供方配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 接入配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的 ${ENV_VAR} 占位（token、DSN、密码等敏感项）
func replaceEnvVars(config *Config) {
	config.Orders.Token = expandEnv(config.Orders.Token)
	config.Orders.Storage.DSN = expandEnv(config.Orders.Storage.DSN)
	config.Idempotency.Redis.Password = expandEnv(config.Idempotency.Redis.Password)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
	config.Agent.Planner.OpenAI.APIKey = expandEnv(config.Agent.Planner.OpenAI.APIKey)
	config.API.Middleware.JWTKey = expandEnv(config.API.Middleware.JWTKey)
	config.API.Middleware.JWTPassword = expandEnv(config.API.Middleware.JWTPassword)
}

// expandEnv 将 ${VAR} 占位替换为对应环境变量；变量未设置时返回空串，
// 由调用方落到各自的默认值
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"))
	}
	return s
}

// LoadAgentConfig 加载 agent 服务配置（configs/agent.yaml）
func LoadAgentConfig() (*Config, error) {
	return LoadConfig("configs/agent.yaml")
}

// LoadBackendConfig 加载 mock 订单后端配置（configs/backend.yaml）
func LoadBackendConfig() (*Config, error) {
	return LoadConfig("configs/backend.yaml")
}

// LoadToolServerConfig 加载 toolserver 配置（configs/toolserver.yaml，可缺省）。
// backend 地址、token、scope 由 agent 进程经环境变量传入（进程边界约定），
// 配置文件只描述幂等存储与限流。
func LoadToolServerConfig() (*Config, error) {
	cfg, err := LoadConfig("configs/toolserver.yaml")
	if err != nil {
		// 配置文件可缺省：全部走默认/环境变量
		cfg = &Config{}
	}
	if v := os.Getenv("BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	return cfg, nil
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
