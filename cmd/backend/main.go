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

// backend 模拟订单服务：固定商品目录与种子订单，静态 Bearer Token 鉴权
package main

import (
	"context"
	"fmt"
	stdlog "log"

	"github.com/cloudwego/hertz/pkg/app/server"

	"order-agent/internal/orders"
	"order-agent/pkg/config"
	"order-agent/pkg/log"
)

const defaultToken = "demo-token-12345"

func main() {
	cfg, err := config.LoadBackendConfig()
	if err != nil {
		stdlog.Fatalf("加载配置失败: %v", err)
	}

	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		stdlog.Fatalf("初始化日志失败: %v", err)
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		stdlog.Fatalf("初始化订单存储失败: %v", err)
	}

	token := cfg.Orders.Token
	if token == "" {
		token = defaultToken
	}

	addr := ":9090"
	if cfg.Orders.Port > 0 {
		addr = fmt.Sprintf(":%d", cfg.Orders.Port)
	}

	srv := server.Default(server.WithHostPorts(addr))
	orders.NewHandler(store, token, logger).Register(srv)

	logger.Info("订单服务启动", "addr", addr, "storage", cfg.Orders.Storage.Type)
	srv.Spin()
}

func buildStore(cfg *config.Config, logger *log.Logger) (orders.Store, error) {
	if cfg.Orders.Storage.Type == "postgres" && cfg.Orders.Storage.DSN != "" {
		ctx := context.Background()
		store, err := orders.NewStorePg(ctx, cfg.Orders.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Seed(ctx, orders.SeedOrders()); err != nil {
			return nil, fmt.Errorf("写入种子订单失败: %w", err)
		}
		logger.Info("订单存储使用 postgres")
		return store, nil
	}
	return orders.NewStoreMem(orders.SeedOrders()), nil
}
