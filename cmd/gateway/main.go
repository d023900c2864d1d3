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

// Command gateway runs the token-authenticated streaming transcription
// WebSocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/authresolver"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/config"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/dispatcher"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/gateway"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/logging"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/retry"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/session"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/transcribe"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/usage"
)

// authCacheSize bounds the Resolver's memoized token->UserId lookups.
const authCacheSize = 1024

func main() {
	logFlags := logging.RegisterFlags()
	flag.Parse()
	logger := logging.InitLogger("gateway", logFlags.ToConfig())

	if err := run(logger); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	store, err := buildStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("gateway: build usage store: %w", err)
	}

	transcriber := transcribe.NewSimulatedTranscriber()
	authr := authresolver.New(cfg.AuthTokens, authCacheSize)
	registry := session.NewRegistry(logger)
	disp := dispatcher.New(registry, store, transcriber, cfg.MaxConcurrent, cfg.TaskTimeout, logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(rootCtx, registry, store, authr, disp, cfg.InitialBudgetMs, logger)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		disp.Run(rootCtx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", gw.HandleTranscribe)
	mux.HandleFunc("/api/usage", gw.HandleUsage)
	mux.HandleFunc("/healthz", gw.HandleHealthz)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.Int("port", cfg.Port))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	gw.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	select {
	case <-dispatcherDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("dispatcher did not drain within shutdown timeout")
	}

	return nil
}

// connectAttempts bounds how many connection attempts buildStore makes
// against Postgres/Redis at startup, the first one included, before giving
// up.
const connectAttempts = 5

// connectMaxBackoff caps the exponential backoff between connection
// attempts.
const connectMaxBackoff = 16 * time.Second

// buildStore selects and constructs the UsageStore adapter named by
// cfg.UsageBackend. Postgres and Redis are retried with exponential
// backoff, since a backend that is still starting up at the same moment as
// the gateway should not fail the whole process on the first attempt.
func buildStore(cfg config.GatewayConfig, logger *slog.Logger) (usage.Store, error) {
	ctx := context.Background()
	switch cfg.UsageBackend {
	case config.BackendPostgres:
		var store *usage.PostgresStore
		err := retry.Do(ctx, connectAttempts, connectMaxBackoff, func() error {
			s, err := usage.NewPostgresStore(ctx, usage.PostgresConfig{DSN: cfg.PostgresDSN}, logger)
			if err != nil {
				logger.Warn("postgres connect attempt failed", slog.String("error", err.Error()))
				return err
			}
			store = s
			return nil
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		var store *usage.RedisStore
		err := retry.Do(ctx, connectAttempts, connectMaxBackoff, func() error {
			s, err := usage.NewRedisStore(ctx, usage.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, logger)
			if err != nil {
				logger.Warn("redis connect attempt failed", slog.String("error", err.Error()))
				return err
			}
			store = s
			return nil
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory, "":
		return usage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown usage backend %q", cfg.UsageBackend)
	}
}
