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

// Package config loads the gateway's runtime configuration from environment
// variables, with an optional YAML file overlay, following the same
// precedence as GetEnvOrConfig: explicit environment variable, then the
// config file, then the built-in default.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// UsageBackend selects which UsageStore implementation the gateway wires up.
type UsageBackend string

const (
	BackendMemory   UsageBackend = "memory"
	BackendPostgres UsageBackend = "postgres"
	BackendRedis    UsageBackend = "redis"
)

// GatewayConfig holds all runtime-tunable settings for the gateway process.
type GatewayConfig struct {
	Port            int
	MaxConcurrent   int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
	UsageBackend    UsageBackend

	// InitialBudgetMs is the remainingMs a first-seen UserId is provisioned
	// with. GetUsage reports ErrNotFound for a UserId the store has never
	// recorded; admission treats that as "provision, don't reject" and
	// calls ResetStorage with this value before continuing.
	InitialBudgetMs int64

	// AuthTokens is the static bearer-token -> UserId table. Empty by
	// default; production deployments overlay it via GATEWAY_CONFIG_FILE.
	AuthTokens map[string]string

	PostgresDSN string
	RedisAddr   string
	RedisDB     int
}

// Default returns the built-in defaults for every setting.
func Default() GatewayConfig {
	return GatewayConfig{
		Port:            3000,
		MaxConcurrent:   5,
		TaskTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		UsageBackend:    BackendMemory,
		InitialBudgetMs: 60_000,
		RedisDB:         0,
	}
}

// Load builds a GatewayConfig from environment variables, overlaying the
// built-in defaults. GATEWAY_CONFIG_FILE, if set, is consulted for the
// string settings (usageBackend, postgresDSN, redisAddr) not present in the
// environment and for the authTokens table. The integer settings (PORT,
// GATEWAY_MAX_CONCURRENT, GATEWAY_INITIAL_BUDGET_MS, REDIS_DB) are read from
// the environment only; TaskTimeout and ShutdownTimeout keep their defaults.
func Load() GatewayConfig {
	cfg := Default()

	cfg.Port = getEnvInt("PORT", cfg.Port)
	cfg.MaxConcurrent = getEnvInt("GATEWAY_MAX_CONCURRENT", cfg.MaxConcurrent)
	cfg.InitialBudgetMs = int64(getEnvInt("GATEWAY_INITIAL_BUDGET_MS", int(cfg.InitialBudgetMs)))
	cfg.UsageBackend = UsageBackend(getEnvOrConfig("GATEWAY_USAGE_BACKEND", "usageBackend", string(cfg.UsageBackend)))
	cfg.PostgresDSN = getEnvOrConfig("POSTGRES_DSN", "postgresDSN", cfg.PostgresDSN)
	cfg.RedisAddr = getEnvOrConfig("REDIS_ADDR", "redisAddr", cfg.RedisAddr)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.AuthTokens = loadAuthTokens()

	return cfg
}

// loadAuthTokens reads the static bearer-token table from the YAML config
// file (GATEWAY_CONFIG_FILE), under the "authTokens" key. There is no
// environment-variable form: a token table is not a single scalar value.
func loadAuthTokens() map[string]string {
	configPath := os.Getenv("GATEWAY_CONFIG_FILE")
	if configPath == "" {
		return nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil
	}
	var fileConfig struct {
		AuthTokens map[string]string `yaml:"authTokens"`
	}
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		slog.Warn("failed to parse auth tokens from config file",
			slog.String("path", configPath),
			slog.String("error", err.Error()))
		return nil
	}
	return fileConfig.AuthTokens
}

// getEnvInt retrieves an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvOrConfig checks for value in environment variable first, then falls
// back to reading from a config file (path from GATEWAY_CONFIG_FILE env var).
// Priority: envKey > config file (configKey) > defaultValue.
func getEnvOrConfig(envKey, configKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}

	if configPath := os.Getenv("GATEWAY_CONFIG_FILE"); configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var fileConfig map[string]any
			if err := yaml.Unmarshal(data, &fileConfig); err == nil {
				if value, exists := fileConfig[configKey]; exists {
					if strValue, isString := value.(string); isString && strValue != "" {
						return strValue
					}
				}
			} else {
				slog.Warn("failed to parse config file",
					slog.String("path", configPath),
					slog.String("error", err.Error()))
			}
		}
	}

	return defaultValue
}
