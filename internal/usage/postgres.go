/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds the connection settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore is a durable, multi-process-safe Store backed by a
// usage_records table, one row per user. The clamp-and-accumulate update is
// a single UPDATE statement so concurrent updates for the same user never
// race on the clamp.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

const createUsageTableSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
	user_id        TEXT PRIMARY KEY,
	remaining_ms   BIGINT NOT NULL,
	total_used_ms  BIGINT NOT NULL DEFAULT 0
)`

// NewPostgresStore opens a connection pool and ensures usage_records exists.
func NewPostgresStore(ctx context.Context, config PostgresConfig, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("usage: parse postgres dsn: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("usage: create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createUsageTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("usage: ensure usage_records table: %w", err)
	}

	logger.Info("postgres usage store connected")

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.logger.Info("closing postgres usage store")
	s.pool.Close()
}

func (s *PostgresStore) GetUsage(ctx context.Context, userID string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT remaining_ms, total_used_ms FROM usage_records WHERE user_id = $1`,
		userID,
	).Scan(&rec.RemainingMs, &rec.TotalUsedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, &ErrNotFound{UserID: userID}
	}
	if err != nil {
		return Record{}, fmt.Errorf("usage: get usage for %s: %w", userID, err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateUsage(ctx context.Context, userID string, usedMs int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_records
		 SET total_used_ms = total_used_ms + $1,
		     remaining_ms = GREATEST(remaining_ms - $1, 0)
		 WHERE user_id = $2`,
		usedMs, userID,
	)
	if err != nil {
		return fmt.Errorf("usage: update usage for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{UserID: userID}
	}
	return nil
}

func (s *PostgresStore) ResetStorage(ctx context.Context, userID string, limitMs int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (user_id, remaining_ms, total_used_ms)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id) DO UPDATE SET remaining_ms = $2, total_used_ms = 0`,
		userID, limitMs,
	)
	if err != nil {
		return fmt.Errorf("usage: reset usage for %s: %w", userID, err)
	}
	return nil
}
