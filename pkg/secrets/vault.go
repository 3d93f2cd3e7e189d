// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`     // Vault server address (e.g., http://vault:8200)
	Token      string `mapstructure:"token"`       // Vault token
	PathPrefix string `mapstructure:"path_prefix"` // Secret path prefix (e.g., "secret")
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if config.Token != "" {
		client.SetToken(config.Token)
	}

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	prefix := "secret"
	if config.PathPrefix != "" {
		prefix = config.PathPrefix
	}

	return &vaultStore{
		client:     client,
		pathPrefix: prefix,
	}, nil
}

func (v *vaultStore) path(key string) string {
	return fmt.Sprintf("%s/data/%s", v.pathPrefix, key)
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", key, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	// KV v2: payload lives under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value", key)
	}
	return value, nil
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.path(key), map[string]interface{}{
		"data": map[string]interface{}{"value": value},
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	_, err := v.client.Logical().DeleteWithContext(ctx, v.path(key))
	if err != nil {
		return fmt.Errorf("failed to delete secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := fmt.Sprintf("%s/metadata/%s", v.pathPrefix, prefix)
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, strings.TrimSuffix(s, "/"))
		}
	}
	return keys, nil
}
