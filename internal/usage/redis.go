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
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore is a shared, low-latency Store suited to multi-process
// deployments: one hash per user (remaining_ms/total_used_ms fields),
// with the clamp-and-accumulate update done inside a Lua script so the
// read-modify-write is atomic from Redis's perspective.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

const hashKeyPrefix = "usage:"

func hashKey(userID string) string {
	return hashKeyPrefix + userID
}

// updateUsageScript accumulates ARGV[1] into total_used_ms and subtracts it
// from remaining_ms, clamped at zero. Returns 1 if the key existed, 0
// otherwise, so the caller can distinguish "no such user" from a successful
// update.
var updateUsageScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local used = tonumber(ARGV[1])
redis.call("HINCRBY", KEYS[1], "total_used_ms", used)
local remaining = tonumber(redis.call("HGET", KEYS[1], "remaining_ms"))
local updated = remaining - used
if updated < 0 then
	updated = 0
end
redis.call("HSET", KEYS[1], "remaining_ms", updated)
return 1
`)

// NewRedisStore creates a RedisStore and verifies connectivity.
func NewRedisStore(ctx context.Context, config RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("usage: ping redis: %w", err)
	}

	logger.Info("redis usage store connected", slog.String("addr", config.Addr))

	return &RedisStore{client: client, logger: logger}, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	s.logger.Info("closing redis usage store")
	return s.client.Close()
}

func (s *RedisStore) GetUsage(ctx context.Context, userID string) (Record, error) {
	vals, err := s.client.HMGet(ctx, hashKey(userID), "remaining_ms", "total_used_ms").Result()
	if err != nil {
		return Record{}, fmt.Errorf("usage: get usage for %s: %w", userID, err)
	}
	if vals[0] == nil || vals[1] == nil {
		return Record{}, &ErrNotFound{UserID: userID}
	}

	var rec Record
	if _, err := fmt.Sscanf(vals[0].(string), "%d", &rec.RemainingMs); err != nil {
		return Record{}, fmt.Errorf("usage: parse remaining_ms for %s: %w", userID, err)
	}
	if _, err := fmt.Sscanf(vals[1].(string), "%d", &rec.TotalUsedMs); err != nil {
		return Record{}, fmt.Errorf("usage: parse total_used_ms for %s: %w", userID, err)
	}
	return rec, nil
}

func (s *RedisStore) UpdateUsage(ctx context.Context, userID string, usedMs int64) error {
	existed, err := updateUsageScript.Run(ctx, s.client, []string{hashKey(userID)}, usedMs).Int()
	if err != nil {
		return fmt.Errorf("usage: update usage for %s: %w", userID, err)
	}
	if existed == 0 {
		return &ErrNotFound{UserID: userID}
	}
	return nil
}

func (s *RedisStore) ResetStorage(ctx context.Context, userID string, limitMs int64) error {
	err := s.client.HSet(ctx, hashKey(userID),
		"remaining_ms", limitMs,
		"total_used_ms", 0,
	).Err()
	if err != nil {
		return fmt.Errorf("usage: reset usage for %s: %w", userID, err)
	}
	return nil
}
