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
	"log/slog"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/session"
)

// Shutdown closes every live session with ShuttingDown and then cancels the
// gateway's context, unblocking every in-flight HandleTranscribe call's
// blocked ReadMessage (the session's raw connection is closed as part of
// Close) and every dispatcher task parented on a session context. Callers
// should invoke this before http.Server.Shutdown so in-flight handlers can
// return promptly instead of waiting out the HTTP server's own drain.
func (g *Gateway) Shutdown() {
	g.shuttingDown.Store(true)
	count := 0
	g.registry.Range(func(userID string, sess *session.Session) {
		sess.Close(closecode.New(closecode.ShuttingDown))
		count++
	})
	g.logger.Info("shutdown: closed live sessions", slog.Int("count", count))
	g.shutdownCancel()
}
