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

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/usage"
)

type usageResponse struct {
	RemainingMs int64 `json:"remainingMs"`
	TotalUsedMs int64 `json:"totalUsedMs"`
}

type errorResponse struct {
	Error any `json:"error"`
}

// HandleUsage serves GET /api/usage, reporting the caller's current budget.
// A user with no ledger entry yet reads as a zero-value record rather than
// an error: unlike the WebSocket admission path, this endpoint never
// provisions a budget, since a plain usage check should not have the side
// effect of starting a user's clock.
func (g *Gateway) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authr.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		writeUnauthorized(w)
		return
	}

	rec, err := g.store.GetUsage(r.Context(), userID)
	var notFound *usage.ErrNotFound
	if errors.As(err, &notFound) {
		rec = usage.Record{}
	} else if err != nil {
		g.logger.Error("usage lookup failed", slog.String("user", userID), slog.String("error", err.Error()))
		writeServerError(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(usageResponse{
		RemainingMs: rec.RemainingMs,
		TotalUsedMs: rec.TotalUsedMs,
	})
}

// HandleHealthz serves GET /healthz: 200 while the gateway is accepting new
// upgrades, 503 once Shutdown has been called. Unauthenticated - a liveness
// probe should not need a bearer token.
func (g *Gateway) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeUnauthorized writes the 401 body {"error":"Unauthorized"}: the error
// field is a bare string here, unlike the 500 case below.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: "Unauthorized"})
}

// writeServerError writes the 500 body {"error":{"message":<str>}}.
func writeServerError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: map[string]string{"message": message}})
}
