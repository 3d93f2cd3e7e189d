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

package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorePg Postgres 实现的订单存储
type StorePg struct {
	pool *pgxpool.Pool
}

// NewStorePg 创建基于 PostgreSQL 的订单存储并建表
func NewStorePg(ctx context.Context, dsn string) (*StorePg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &StorePg{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭连接池
func (s *StorePg) Close() {
	s.pool.Close()
}

func (s *StorePg) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			items JSONB NOT NULL DEFAULT '[]'::jsonb,
			total NUMERIC(12,2) NOT NULL DEFAULT 0,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	return err
}

// Seed 写入演示数据；已存在的订单不覆盖
func (s *StorePg) Seed(ctx context.Context, seed []*Order) error {
	for _, order := range seed {
		items, _ := json.Marshal(order.Items)
		_, err := s.pool.Exec(ctx,
			`INSERT INTO orders (id, status, items, total, cancelled, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			order.ID, order.Status, items, order.Total, order.Cancelled, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	var status string
	var items []byte
	err := row.Scan(&order.ID, &status, &items, &order.Total, &order.Cancelled,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	order.Status = Status(status)
	if len(items) > 0 {
		_ = json.Unmarshal(items, &order.Items)
	}
	return &order, nil
}

func (s *StorePg) Get(ctx context.Context, orderID string) (*Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT id, status, items, total, cancelled, created_at, updated_at
		 FROM orders WHERE id = $1`, orderID))
}

func (s *StorePg) Latest(ctx context.Context) (*Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT id, status, items, total, cancelled, created_at, updated_at
		 FROM orders ORDER BY created_at DESC LIMIT 1`))
}

func (s *StorePg) Cancel(ctx context.Context, orderID string) (*Order, bool, error) {
	// 单条 UPDATE 内判定可取消状态，幂等取消不依赖应用层锁
	order, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders SET status = $1, cancelled = TRUE, updated_at = now()
		 WHERE id = $2 AND status = $3
		 RETURNING id, status, items, total, cancelled, created_at, updated_at`,
		StatusCancelled, orderID, StatusDelayed))
	if err != nil {
		return nil, false, err
	}
	if order != nil {
		return order, false, nil
	}
	existing, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, nil
	}
	if existing.Cancelled {
		return existing, true, nil
	}
	return nil, false, ErrNotCancellable
}

func (s *StorePg) Create(ctx context.Context, order *Order) error {
	items, _ := json.Marshal(order.Items)
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, status, items, total, cancelled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.Status, items, order.Total, order.Cancelled, order.CreatedAt, order.UpdatedAt)
	return err
}
