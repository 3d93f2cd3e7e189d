// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
)

// Store Secret 存储接口
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string      `mapstructure:"provider"` // vault | env | memory
	Vault    VaultConfig `mapstructure:"vault"`
}

// NewStore 创建 Secret Store；未配置 provider 时默认 env
// （backend 访问 token 通常经环境变量注入）
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "memory":
		return NewMemoryStore(), nil
	case "vault":
		return NewVaultStore(config.Vault)
	case "env", "":
		return NewEnvStore(), nil
	default:
		return NewEnvStore(), nil
	}
}
