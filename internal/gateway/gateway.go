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

// Package gateway wires the WebSocket upgrade, authentication, admission,
// and read-loop handling together over the session, queue, dispatcher, and
// usage packages, behind one HTTP handler per endpoint.
package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/authresolver"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/closecode"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/dispatcher"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/queue"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/session"
	"github.com/StrikeForceZero/mock-live-transcribe-server/internal/usage"
)

// minFrameLen is the 4-byte big-endian sequence ID prefix plus at least one
// byte of audio payload.
const minFrameLen = 5

// Gateway owns the upgrade, auth, admission, and read-loop handling for
// every WebSocket connection, and the plain HTTP usage endpoint.
type Gateway struct {
	registry    *session.Registry
	store       usage.Store
	authr       *authresolver.Resolver
	dispatcher  *dispatcher.Dispatcher
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	initBudget  int64

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	shuttingDown   atomic.Bool
}

// New builds a Gateway. parentCtx is the process lifetime context; every
// Session's cancellation context is a child of it, so cancelling parentCtx
// (or calling Shutdown) tears down every live session.
func New(parentCtx context.Context, registry *session.Registry, store usage.Store, authr *authresolver.Resolver, disp *dispatcher.Dispatcher, initialBudgetMs int64, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &Gateway{
		registry:   registry,
		store:      store,
		authr:      authr,
		dispatcher: disp,
		logger:     logger,
		initBudget: initialBudgetMs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// HandleTranscribe is the HTTP handler for the WebSocket upgrade endpoint.
// It authenticates, registers (evicting any predecessor for the same user),
// admits against the usage budget, then runs the read loop until the peer
// disconnects or the session is closed.
func (g *Gateway) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authr.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		g.rejectUpgrade(w, r, closecode.New(closecode.Unauthorized))
		return
	}

	rawConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newWSConn(rawConn)
	sess, sessCtx := session.New(g.shutdownCtx, userID, conn, g.logger)
	sess.SetState(session.StateAdmitting)

	if evicted, had := g.registry.Register(userID, sess); had {
		evicted.Close(closecode.New(closecode.ConnectionReplaced))
	}

	g.logger.Info("session admitting", slog.String("user", userID))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		g.readLoop(rawConn, sess)
	}()

	g.admit(sessCtx, sess)

	<-readDone

	if g.registry.Unregister(userID, sess) {
		g.logger.Debug("session unregistered", slog.String("user", userID))
	}
	if n := sess.Queue.Drain(); n > 0 {
		g.logger.Debug("drained pending items on teardown",
			slog.String("user", userID), slog.Int("count", n))
	}
}

// admit resolves the user's usage budget, provisioning a fresh one on first
// sight, and transitions the session to Ready (sending the "ready" event)
// or closes it with the appropriate reason. It runs concurrently with the
// read loop so a frame arriving before admission completes is correctly
// rejected with NotReady rather than silently queued.
func (g *Gateway) admit(ctx context.Context, sess *session.Session) {
	rec, err := g.store.GetUsage(ctx, sess.UserID)
	var notFound *usage.ErrNotFound
	if errors.As(err, &notFound) {
		if err := g.store.ResetStorage(ctx, sess.UserID, g.initBudget); err != nil {
			sess.Close(closecode.Newf(closecode.ServerError, err.Error()))
			return
		}
		rec = usage.Record{RemainingMs: g.initBudget, TotalUsedMs: 0}
	} else if err != nil {
		sess.Close(closecode.Newf(closecode.ServerError, err.Error()))
		return
	}

	if rec.RemainingMs <= 0 {
		sess.Close(closecode.New(closecode.ExceededAllocatedUsage))
		return
	}

	sess.SetState(session.StateReady)
	if err := sess.Conn.SendJSON(map[string]string{"event": "ready"}); err != nil {
		sess.CloseQuiet()
		return
	}
	g.logger.Info("session ready", slog.String("user", sess.UserID))
}

// readLoop reads binary audio frames off rawConn and enqueues them, until
// the peer disconnects or the session closes for any other reason. Each
// frame is a 4-byte big-endian sequence ID followed by the raw audio
// payload.
func (g *Gateway) readLoop(rawConn *websocket.Conn, sess *session.Session) {
	for {
		msgType, data, err := rawConn.ReadMessage()
		if err != nil {
			sess.CloseQuiet()
			return
		}

		if !sess.IsReady() {
			sess.Close(closecode.New(closecode.NotReady))
			return
		}

		if msgType != websocket.BinaryMessage {
			sess.Close(closecode.New(closecode.InvalidData))
			return
		}

		if len(data) < minFrameLen {
			sess.Close(closecode.New(closecode.InvalidData))
			return
		}

		seqID := binary.BigEndian.Uint32(data[:4])
		payload := make([]byte, len(data)-4)
		copy(payload, data[4:])

		sess.Queue.Enqueue(queue.WorkItem{
			SequenceID: seqID,
			Payload:    payload,
			EnqueuedAt: time.Now(),
		})
		g.dispatcher.Notify()
	}
}

// rejectUpgrade completes a minimal WebSocket handshake solely to deliver a
// close frame, used when auth fails before a Session exists. Upgrading
// first is required: gorilla/websocket has no way to write a close frame
// without one.
func (g *Gateway) rejectUpgrade(w http.ResponseWriter, r *http.Request, reason closecode.Reason) {
	rawConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = rawConn.WriteMessage(websocket.CloseMessage, closecode.FormatCloseMessage(reason))
	_ = rawConn.Close()
}
